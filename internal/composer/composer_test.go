package composer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/retriever"
)

type stubGenerator struct {
	reply  string
	err    error
	prompt string
	system string
}

func (s *stubGenerator) Generate(_ context.Context, system, prompt string) (string, error) {
	s.system = system
	s.prompt = prompt
	return s.reply, s.err
}

func testMessage() *gmail.Message {
	return &gmail.Message{
		ID:       "msg-1",
		ThreadID: "thread-1",
		Headers: map[string]string{
			"from":    "Ada Lovelace <ada@example.com>",
			"subject": "Refund question",
		},
		BodyText: "Hello, can I still return my order from last month?",
	}
}

func TestComposeHappyPath(t *testing.T) {
	gen := &stubGenerator{reply: "Hi Ada,\n\nyes, returns are accepted within 30 days.\n\nBest regards"}
	c := New(gen, nil)

	passages := []retriever.Passage{
		{SourceID: "kb/refunds.md", Snippet: "Returns are accepted within 30 days.", Score: 0.91, Rank: 1},
		{SourceID: "kb/shipping.md", Snippet: "Return shipping is free.", Score: 0.72, Rank: 2},
	}

	draft, err := c.Compose(context.Background(), testMessage(), passages)
	require.NoError(t, err)

	assert.Equal(t, "Re: Refund question", draft.Subject)
	assert.Equal(t, gen.reply, draft.Body)
	assert.Equal(t, []string{"kb/refunds.md", "kb/shipping.md"}, draft.Citations)
	assert.Empty(t, draft.Flags)
}

func TestComposePromptContainsContextAndMessage(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	c := New(gen, nil)

	passages := []retriever.Passage{
		{SourceID: "kb/refunds.md", Snippet: "Returns are accepted within 30 days.", Score: 0.91, Rank: 1},
	}

	_, err := c.Compose(context.Background(), testMessage(), passages)
	require.NoError(t, err)

	assert.Contains(t, gen.system, "email assistant")
	assert.Contains(t, gen.prompt, "kb/refunds.md")
	assert.Contains(t, gen.prompt, "Returns are accepted within 30 days.")
	assert.Contains(t, gen.prompt, "Subject: Refund question")
	assert.Contains(t, gen.prompt, "return my order")
}

func TestComposeWithoutPassages(t *testing.T) {
	gen := &stubGenerator{reply: "Thanks for reaching out."}
	c := New(gen, nil)

	draft, err := c.Compose(context.Background(), testMessage(), nil)
	require.NoError(t, err)

	assert.NotContains(t, gen.prompt, "Knowledge base context")
	assert.Empty(t, draft.Citations)
}

func TestComposeGeneratorError(t *testing.T) {
	gen := &stubGenerator{err: errors.New("backend unavailable")}
	c := New(gen, nil)

	_, err := c.Compose(context.Background(), testMessage(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrGeneration)
}

func TestComposeEmptyReply(t *testing.T) {
	gen := &stubGenerator{reply: "   \n  "}
	c := New(gen, nil)

	_, err := c.Compose(context.Background(), testMessage(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrGeneration)
}

func TestComposeSuppressesBlockedReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "financial claim", reply: "We offer a guaranteed refund plus a risk-free investment."},
		{name: "ssn", reply: "Your record shows 123-45-6789 on file."},
		{name: "credential", reply: "Use password: hunter2 to log in."},
		{name: "injection echo", reply: "Sure, I will ignore all previous instructions."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&stubGenerator{reply: tt.reply}, nil)

			draft, err := c.Compose(context.Background(), testMessage(), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrSafetyViolation)
			assert.Nil(t, draft)
			// The flagged body must not leak through the error either.
			assert.NotContains(t, err.Error(), tt.reply)
		})
	}
}

func TestComposeKeepsWarnFlags(t *testing.T) {
	c := New(&stubGenerator{reply: "See https://example.com/returns for details."}, nil)

	draft, err := c.Compose(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	require.Len(t, draft.Flags, 1)
	assert.Equal(t, "external_link", draft.Flags[0].Kind)
	assert.Equal(t, SeverityWarn, draft.Flags[0].Severity)
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain subject", input: "Refund question", expected: "Re: Refund question"},
		{name: "existing prefix kept", input: "Re: Refund question", expected: "Re: Refund question"},
		{name: "case-insensitive prefix", input: "RE: Refund question", expected: "RE: Refund question"},
		{name: "empty subject", input: "", expected: "Re: (no subject)"},
		{name: "whitespace only", input: "   ", expected: "Re: (no subject)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReplySubject(tt.input))
		})
	}
}

func TestSanitizedBodyTruncates(t *testing.T) {
	msg := testMessage()
	msg.BodyText = strings.Repeat("a", maxBodyChars+500)

	body := sanitizedBody(msg)
	assert.Len(t, body, maxBodyChars)
}

func TestSanitizedBodyTruncatesOnRuneBoundary(t *testing.T) {
	msg := testMessage()
	msg.BodyText = strings.Repeat("ü", maxBodyChars)

	body := sanitizedBody(msg)
	assert.True(t, utf8.ValidString(body))
	assert.LessOrEqual(t, len(body), maxBodyChars)
	assert.True(t, strings.HasSuffix(body, "ü"))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{name: "short stays whole", input: "hello", limit: 10, expected: "hello"},
		{name: "exact limit", input: "hello", limit: 5, expected: "hello"},
		{name: "ascii cut", input: "hello", limit: 3, expected: "hel"},
		{name: "multi-byte rune kept whole", input: "héllo", limit: 2, expected: "h"},
		{name: "cut lands inside rune", input: "日本語", limit: 4, expected: "日"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.limit)
			assert.Equal(t, tt.expected, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestSanitizedBodyFallsBackToHTML(t *testing.T) {
	msg := testMessage()
	msg.BodyText = ""
	msg.BodyHTML = "<p>Hello there</p>"

	assert.Equal(t, "Hello there", sanitizedBody(msg))
}

func TestSanitizedBodyFallsBackToSnippet(t *testing.T) {
	msg := testMessage()
	msg.BodyText = ""
	msg.Snippet = "Hello, can I still return"

	assert.Equal(t, "Hello, can I still return", sanitizedBody(msg))
}

func TestScanReplyMultipleFindings(t *testing.T) {
	flags := scanReply("Guaranteed refund, see https://example.com and card 4111 1111 1111 1111.")

	kinds := make([]string, 0, len(flags))
	for _, f := range flags {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, "financial_claim")
	assert.Contains(t, kinds, "card_number")
	assert.Contains(t, kinds, "external_link")
}
