package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxdraft/internal/composer"
	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/identity"
	"github.com/teemow/inboxdraft/internal/ledger"
	"github.com/teemow/inboxdraft/internal/retriever"
)

type stubClient struct {
	mu       sync.Mutex
	messages map[string]*gmail.Message
	latest   *gmail.Message

	fetchErr       error
	latestErr      error
	listErr        error
	draftErr       error
	threadDraftErr error

	unread []*gmail.Message
	// unreadIDs overrides the listing; IDs without a matching message let
	// tests exercise messages that vanish between listing and fetch.
	unreadIDs        []string
	threadsWithDraft map[string]bool

	drafts []*gmail.DraftRequest

	inFlight    int32
	maxInFlight int32
}

func (s *stubClient) track() func() {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&s.inFlight, -1) }
}

func (s *stubClient) Fetch(_ context.Context, messageID string) (*gmail.Message, error) {
	defer s.track()()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[messageID]; ok {
		return msg, nil
	}
	for _, msg := range s.unread {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", messageID, faults.ErrNotFound)
}

func (s *stubClient) Latest(_ context.Context, historyID uint64) (*gmail.Message, error) {
	defer s.track()()
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	if s.latest == nil {
		return nil, fmt.Errorf("no messages after %d: %w", historyID, faults.ErrNotFound)
	}
	return s.latest, nil
}

func (s *stubClient) ListUnread(_ context.Context, _ []string, max int64) ([]string, error) {
	defer s.track()()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := s.unreadIDs
	if ids == nil {
		for _, msg := range s.unread {
			ids = append(ids, msg.ID)
		}
	}
	if int64(len(ids)) > max {
		return ids[:max], nil
	}
	return ids, nil
}

func (s *stubClient) ThreadHasDraft(_ context.Context, threadID string) (bool, error) {
	defer s.track()()
	if s.threadDraftErr != nil {
		return false, s.threadDraftErr
	}
	return s.threadsWithDraft[threadID], nil
}

func (s *stubClient) CreateDraft(_ context.Context, req *gmail.DraftRequest) (string, error) {
	defer s.track()()
	if s.draftErr != nil {
		return "", s.draftErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, req)
	return fmt.Sprintf("draft-%d", len(s.drafts)), nil
}

func (s *stubClient) createdDrafts() []*gmail.DraftRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gmail.DraftRequest(nil), s.drafts...)
}

type stubComposer struct {
	err     error
	failFor map[string]error
	calls   int32
}

func (s *stubComposer) Compose(_ context.Context, msg *gmail.Message, passages []retriever.Passage) (*composer.Draft, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	if err, ok := s.failFor[msg.ID]; ok {
		return nil, err
	}

	citations := make([]string, 0, len(passages))
	for _, p := range passages {
		citations = append(citations, p.SourceID)
	}
	return &composer.Draft{
		Subject:   composer.ReplySubject(msg.Subject()),
		Body:      "Thanks for your message.",
		Citations: citations,
	}, nil
}

type stubRetriever struct {
	passages []retriever.Passage
	err      error
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _ int) ([]retriever.Passage, error) {
	return s.passages, s.err
}

func message(id, threadID, subject string) *gmail.Message {
	return &gmail.Message{
		ID:       id,
		ThreadID: threadID,
		Headers: map[string]string{
			"from":       "Ada Lovelace <ada@example.com>",
			"subject":    subject,
			"message-id": "<" + id + "@mail.example.com>",
		},
		BodyText: "Hello, quick question about my order.",
	}
}

func newTestOrchestrator(t *testing.T, client *stubClient, comp DraftComposer, ret retriever.Retriever) *Orchestrator {
	t.Helper()

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	if comp == nil {
		comp = &stubComposer{}
	}

	factory := func(context.Context, identity.Mailbox) (MailboxClient, error) {
		return client, nil
	}
	return New(factory, ret, comp, led, nil, nil, nil, Config{})
}

const mailbox = identity.Mailbox("support@example.com")

func TestProcessNotificationDraftsReply(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)
	assert.Equal(t, StateDrafted, state)

	drafts := client.createdDrafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, "thread-1", drafts[0].ThreadID)
	assert.Equal(t, "ada@example.com", drafts[0].To)
	assert.Equal(t, "Re: Order question", drafts[0].Subject)
	assert.Equal(t, "<msg-1@mail.example.com>", drafts[0].InReplyTo)
}

func TestProcessNotificationIdempotentPerMessage(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)
	require.Equal(t, StateDrafted, state)

	// A later cursor pointing at the same message must not produce a second
	// draft.
	state, err = o.ProcessNotification(context.Background(), mailbox, 11, "")
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
	assert.Len(t, client.createdDrafts(), 1)
}

func TestProcessNotificationDropsStaleCursor(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	_, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)

	state, err := o.ProcessNotification(context.Background(), mailbox, 5, "")
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
	assert.Len(t, client.createdDrafts(), 1)

	assert.True(t, o.StaleCursor(mailbox, 5))
	assert.True(t, o.StaleCursor(mailbox, 10))
	assert.False(t, o.StaleCursor(mailbox, 11))
}

func TestProcessNotificationCursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)

	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	factory := func(context.Context, identity.Mailbox) (MailboxClient, error) { return client, nil }

	o := New(factory, &stubRetriever{}, &stubComposer{}, led, nil, nil, nil, Config{})
	_, err = o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)
	require.NoError(t, led.Close())

	// Fresh orchestrator over the same ledger: the persisted cursor rejects
	// the replayed notification.
	led, err = ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer led.Close()

	o = New(factory, &stubRetriever{}, &stubComposer{}, led, nil, nil, nil, Config{})
	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
	assert.Len(t, client.createdDrafts(), 1)
}

func TestProcessNotificationHintFallsBackToHistory(t *testing.T) {
	client := &stubClient{
		messages: map[string]*gmail.Message{},
		latest:   message("msg-2", "thread-2", "Follow-up"),
	}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "deleted-msg")
	require.NoError(t, err)
	assert.Equal(t, StateDrafted, state)

	drafts := client.createdDrafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, "thread-2", drafts[0].ThreadID)
}

func TestProcessNotificationNoAddedMessages(t *testing.T) {
	client := &stubClient{}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
	assert.Empty(t, client.createdDrafts())

	// The cursor still advances: the change held nothing to draft.
	assert.True(t, o.StaleCursor(mailbox, 10))
}

func TestProcessNotificationFailureKeepsCursor(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	comp := &stubComposer{err: fmt.Errorf("model timeout: %w", faults.ErrGeneration)}
	o := newTestOrchestrator(t, client, comp, &stubRetriever{})

	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrGeneration)
	assert.Equal(t, StateFailed, state)

	// A failed run must not advance the cursor; redelivery gets another try.
	assert.False(t, o.StaleCursor(mailbox, 10))
}

func TestProcessNotificationSafetySuppressesDraft(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	comp := &stubComposer{err: fmt.Errorf("flagged: %w", faults.ErrSafetyViolation)}
	o := newTestOrchestrator(t, client, comp, &stubRetriever{})

	state, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrSafetyViolation)
	assert.Equal(t, StateFailed, state)
	assert.Empty(t, client.createdDrafts())
}

func TestProcessNotificationSerializesPerMailbox(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(historyID uint64) {
			defer wg.Done()
			_, _ = o.ProcessNotification(context.Background(), mailbox, historyID, "")
		}(uint64(10 + i))
	}
	wg.Wait()

	// Serialized runs never overlap on the provider client.
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.maxInFlight))
	// All eight cursors target the same message, so exactly one draft.
	assert.Len(t, client.createdDrafts(), 1)
}

func TestSetCursorAdvancesLiveTracker(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	// A processed notification loads the tracker entry with cursor 10.
	_, err := o.ProcessNotification(context.Background(), mailbox, 10, "")
	require.NoError(t, err)

	// A re-registered watch hands back a newer baseline; the already-loaded
	// entry must pick it up immediately, not after a restart.
	require.NoError(t, o.SetCursor(context.Background(), mailbox, 40))
	assert.True(t, o.StaleCursor(mailbox, 40))

	state, err := o.ProcessNotification(context.Background(), mailbox, 25, "")
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
	assert.Len(t, client.createdDrafts(), 1)
}

func TestSetCursorNeverRewinds(t *testing.T) {
	client := &stubClient{latest: message("msg-1", "thread-1", "Order question")}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	_, err := o.ProcessNotification(context.Background(), mailbox, 30, "")
	require.NoError(t, err)

	// A stale baseline from a racing registration must not reopen already
	// processed history.
	require.NoError(t, o.SetCursor(context.Background(), mailbox, 12))
	assert.True(t, o.StaleCursor(mailbox, 30))
	assert.False(t, o.StaleCursor(mailbox, 31))
}

func TestProcessMessageManual(t *testing.T) {
	msg := message("msg-7", "thread-7", "Manual pick")
	client := &stubClient{messages: map[string]*gmail.Message{"msg-7": msg}}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	state, err := o.ProcessMessage(context.Background(), mailbox, "msg-7")
	require.NoError(t, err)
	assert.Equal(t, StateDrafted, state)
	assert.Len(t, client.createdDrafts(), 1)

	// Manual processing never touches the cursor.
	assert.False(t, o.StaleCursor(mailbox, 1))
}

func TestProcessUnreadPartialFailure(t *testing.T) {
	client := &stubClient{unread: []*gmail.Message{
		message("msg-1", "t1", "One"),
		message("msg-2", "t2", "Two"),
		message("msg-3", "t3", "Three"),
		message("msg-4", "t4", "Four"),
		message("msg-5", "t5", "Five"),
	}}
	comp := &stubComposer{failFor: map[string]error{
		"msg-2": fmt.Errorf("model timeout: %w", faults.ErrGeneration),
		"msg-4": fmt.Errorf("flagged: %w", faults.ErrSafetyViolation),
	}}
	o := newTestOrchestrator(t, client, comp, &stubRetriever{})

	report, err := o.ProcessUnread(context.Background(), mailbox, BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, mailbox.String(), report.Mailbox)
	assert.Equal(t, 5, report.TotalFound)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 3, report.Drafted)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 2, report.Failed)
	assert.False(t, report.Aborted)

	require.Len(t, report.Results, 5)
	assert.Equal(t, "One", report.Results[0].Subject)
	assert.True(t, report.Results[0].Success)
	assert.NotEmpty(t, report.Results[0].DraftID)

	failures := report.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "msg-2", failures[0].MessageID)
	assert.Equal(t, faults.ReasonGeneration, failures[0].Reason)
	assert.Empty(t, failures[0].DraftID)
	assert.Equal(t, "msg-4", failures[1].MessageID)
	assert.Equal(t, faults.ReasonSafetyViolation, failures[1].Reason)
}

func TestProcessUnreadFetchFailureStaysPerMessage(t *testing.T) {
	// The listing names three messages but one vanished before its fetch.
	// Only that message fails; the other two still get drafts.
	client := &stubClient{
		unread: []*gmail.Message{
			message("msg-1", "t1", "One"),
			message("msg-3", "t3", "Three"),
		},
		unreadIDs: []string{"msg-1", "msg-2", "msg-3"},
	}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	report, err := o.ProcessUnread(context.Background(), mailbox, BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalFound)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Drafted)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Aborted)
	assert.Len(t, client.createdDrafts(), 2)

	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "msg-2", failures[0].MessageID)
	assert.Equal(t, faults.ReasonNotFound, failures[0].Reason)
	assert.NotEmpty(t, failures[0].Error)
}

func TestProcessUnreadSkipsThreadsWithDrafts(t *testing.T) {
	client := &stubClient{
		unread: []*gmail.Message{
			message("msg-1", "t1", "One"),
			message("msg-2", "t2", "Two"),
		},
		threadsWithDraft: map[string]bool{"t1": true},
	}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	report, err := o.ProcessUnread(context.Background(), mailbox, BatchOptions{SkipExistingDrafts: true})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Drafted)

	drafts := client.createdDrafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, "t2", drafts[0].ThreadID)
}

func TestProcessUnreadSkipsRecordedDrafts(t *testing.T) {
	msg := message("msg-1", "t1", "One")
	client := &stubClient{
		unread:   []*gmail.Message{msg},
		messages: map[string]*gmail.Message{"msg-1": msg},
	}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	_, err := o.ProcessMessage(context.Background(), mailbox, "msg-1")
	require.NoError(t, err)

	report, err := o.ProcessUnread(context.Background(), mailbox, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Drafted)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, client.createdDrafts(), 1)
}

func TestProcessUnreadAbortsOnExpiredCredentials(t *testing.T) {
	client := &stubClient{
		unread: []*gmail.Message{
			message("msg-1", "t1", "One"),
			message("msg-2", "t2", "Two"),
			message("msg-3", "t3", "Three"),
		},
		draftErr: fmt.Errorf("invalid_grant: %w", faults.ErrAuthExpired),
	}
	o := newTestOrchestrator(t, client, nil, &stubRetriever{})

	report, err := o.ProcessUnread(context.Background(), mailbox, BatchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrAuthExpired)

	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)
}

func TestProcessUnreadCompositionWithoutContext(t *testing.T) {
	client := &stubClient{unread: []*gmail.Message{message("msg-1", "t1", "One")}}
	ret := &stubRetriever{err: fmt.Errorf("index endpoint unreachable")}
	o := newTestOrchestrator(t, client, nil, ret)

	report, err := o.ProcessUnread(context.Background(), mailbox, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drafted)
}

func TestClampBatchMax(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected int64
	}{
		{name: "zero uses default", input: 0, expected: batchDefault},
		{name: "negative uses default", input: -1, expected: batchDefault},
		{name: "within range", input: 7, expected: 7},
		{name: "above maximum", input: 200, expected: batchMax},
		{name: "maximum", input: 50, expected: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClampBatchMax(tt.input))
		})
	}
}

func TestRetrievalQuery(t *testing.T) {
	msg := message("msg-1", "t1", "Order question")
	assert.Equal(t, "Order question\nHello, quick question about my order.", retrievalQuery(msg))

	msg.BodyText = ""
	msg.BodyHTML = "<p>From the HTML part</p>"
	assert.Equal(t, "Order question\nFrom the HTML part", retrievalQuery(msg))

	msg.BodyHTML = ""
	msg.Snippet = "Snippet text"
	assert.Equal(t, "Order question\nSnippet text", retrievalQuery(msg))
}
