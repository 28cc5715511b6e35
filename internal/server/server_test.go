package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/pipeline"
)

const testToken = "ops-token"

type stubBatcher struct {
	report  *pipeline.BatchReport
	err     error
	mailbox identity.Mailbox
	opts    pipeline.BatchOptions
}

func (s *stubBatcher) ProcessUnread(_ context.Context, mailbox identity.Mailbox, opts pipeline.BatchOptions) (*pipeline.BatchReport, error) {
	s.mailbox = mailbox
	s.opts = opts
	return s.report, s.err
}

type stubRegistrar struct {
	handle  *gmail.WatchHandle
	err     error
	mailbox identity.Mailbox
}

func (s *stubRegistrar) Register(_ context.Context, mailbox identity.Mailbox) (*gmail.WatchHandle, error) {
	s.mailbox = mailbox
	return s.handle, s.err
}

func newTestServer(batcher Batcher, registrar WatchRegistrar) *Server {
	push := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return New(Config{APIToken: testToken}, push, batcher, registrar, nil, nil)
}

func authedRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(method, path, bytes.NewReader(data))
	r.Header.Set("Authorization", "Bearer "+testToken)
	return r
}

func TestWatchEndpoint(t *testing.T) {
	registrar := &stubRegistrar{handle: &gmail.WatchHandle{
		HistoryID:  4711,
		Expiration: time.Date(2026, 9, 6, 12, 0, 0, 0, time.UTC),
	}}
	srv := newTestServer(&stubBatcher{}, registrar)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/watch", watchRequest{Mailbox: "Jane@Example.com"}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, identity.Mailbox("jane@example.com"), registrar.mailbox)

	var res watchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "jane@example.com", res.Mailbox)
	assert.Equal(t, uint64(4711), res.HistoryID)
}

func TestWatchEndpointInvalidMailbox(t *testing.T) {
	srv := newTestServer(&stubBatcher{}, &stubRegistrar{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/watch", watchRequest{Mailbox: "not-an-address"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWatchEndpointExpiredCredentials(t *testing.T) {
	registrar := &stubRegistrar{err: fmt.Errorf("invalid_grant: %w", faults.ErrAuthExpired)}
	srv := newTestServer(&stubBatcher{}, registrar)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/watch", watchRequest{Mailbox: "jane@example.com"}))

	assert.Equal(t, http.StatusConflict, w.Code)

	var res errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, faults.ReasonAuthExpired, res.Reason)
}

func TestProcessUnreadEndpoint(t *testing.T) {
	batcher := &stubBatcher{report: &pipeline.BatchReport{
		Processed: 3, Drafted: 2, Skipped: 1,
	}}
	srv := newTestServer(batcher, &stubRegistrar{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/agent/process-unread", processUnreadRequest{
		Mailbox: "jane@example.com",
		Max:     30,
	}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(30), batcher.opts.Max)
	// Skipping threads with existing drafts is the default.
	assert.True(t, batcher.opts.SkipExistingDrafts)

	var res pipeline.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Drafted)
}

func TestProcessUnreadEndpointRequestKeys(t *testing.T) {
	batcher := &stubBatcher{report: &pipeline.BatchReport{Processed: 3, Succeeded: 2, Failed: 1}}
	srv := newTestServer(batcher, &stubRegistrar{})

	// The request body uses the published field names, not the Go ones.
	body := `{"email":"support@example.com","max_emails":3,"label_ids":["UNREAD","INBOX"],"skip_existing_drafts":true}`
	r := httptest.NewRequest(http.MethodPost, "/agent/process-unread", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, identity.Mailbox("support@example.com"), batcher.mailbox)
	assert.Equal(t, int64(3), batcher.opts.Max)
	assert.Equal(t, []string{"UNREAD", "INBOX"}, batcher.opts.Labels)
	assert.True(t, batcher.opts.SkipExistingDrafts)
}

func TestWatchEndpointRequestKeys(t *testing.T) {
	registrar := &stubRegistrar{handle: &gmail.WatchHandle{HistoryID: 7}}
	srv := newTestServer(&stubBatcher{}, registrar)

	r := httptest.NewRequest(http.MethodPost, "/watch", strings.NewReader(`{"email":"support@example.com"}`))
	r.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, identity.Mailbox("support@example.com"), registrar.mailbox)
}

func TestProcessUnreadEndpointDisableSkip(t *testing.T) {
	batcher := &stubBatcher{report: &pipeline.BatchReport{}}
	srv := newTestServer(batcher, &stubRegistrar{})

	skip := false
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/agent/process-unread", processUnreadRequest{
		Mailbox:            "jane@example.com",
		SkipExistingDrafts: &skip,
	}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, batcher.opts.SkipExistingDrafts)
}

func TestProcessUnreadEndpointPartialReport(t *testing.T) {
	batcher := &stubBatcher{
		report: &pipeline.BatchReport{Processed: 2, Drafted: 1, Failed: 1, Aborted: true},
		err:    fmt.Errorf("invalid_grant: %w", faults.ErrAuthExpired),
	}
	srv := newTestServer(batcher, &stubRegistrar{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/agent/process-unread", processUnreadRequest{
		Mailbox: "jane@example.com",
	}))

	// Partial results are returned; the abort is visible in the report.
	require.Equal(t, http.StatusOK, w.Code)

	var res pipeline.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Drafted)
}

func TestProcessUnreadEndpointQuotaError(t *testing.T) {
	batcher := &stubBatcher{
		report: &pipeline.BatchReport{},
		err:    fmt.Errorf("listing failed: %w", faults.ErrQuotaExceeded),
	}
	srv := newTestServer(batcher, &stubRegistrar{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/agent/process-unread", processUnreadRequest{
		Mailbox: "jane@example.com",
	}))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestOperationalEndpointsRequireToken(t *testing.T) {
	srv := newTestServer(&stubBatcher{}, &stubRegistrar{})

	for _, path := range []string{"/watch", "/agent/process-unread"} {
		t.Run(path, func(t *testing.T) {
			data, _ := json.Marshal(watchRequest{Mailbox: "jane@example.com"})

			r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, r)
			assert.Equal(t, http.StatusForbidden, w.Code, "missing token")

			r = httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
			r.Header.Set("Authorization", "Bearer wrong-token")
			w = httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, r)
			assert.Equal(t, http.StatusForbidden, w.Code, "wrong token")
		})
	}
}

func TestOperationalEndpointsDisabledWithoutToken(t *testing.T) {
	push := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := New(Config{}, push, &stubBatcher{}, &stubRegistrar{}, nil, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, authedRequest(t, http.MethodPost, "/watch", watchRequest{Mailbox: "jane@example.com"}))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPushRouteIsWiredWithoutAPIToken(t *testing.T) {
	srv := newTestServer(&stubBatcher{}, &stubRegistrar{})

	// The push route authenticates via OIDC inside the handler, not via the
	// operational bearer token.
	r := httptest.NewRequest(http.MethodPost, "/pubsub/push", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(&stubBatcher{}, &stubRegistrar{})
	handler := srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Shutdown flips readiness so the load balancer drains us.
	require.NoError(t, srv.Shutdown(context.Background()))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "auth", err: faults.ErrAuth, expected: http.StatusForbidden},
		{name: "auth expired", err: faults.ErrAuthExpired, expected: http.StatusConflict},
		{name: "not found", err: faults.ErrNotFound, expected: http.StatusNotFound},
		{name: "quota", err: faults.ErrQuotaExceeded, expected: http.StatusTooManyRequests},
		{name: "generation", err: faults.ErrGeneration, expected: http.StatusInternalServerError},
		{name: "unclassified", err: fmt.Errorf("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, statusForError(tt.err))
		})
	}
}
