package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teemow/inboxdraft/internal/faults"
	"github.com/teemow/inboxdraft/internal/gmail"
	"github.com/teemow/inboxdraft/internal/logging"
	"github.com/teemow/inboxdraft/internal/retriever"
)

const (
	// maxBodyChars bounds the incoming message text included in the
	// prompt, which in turn bounds token cost per message.
	maxBodyChars = 1000

	// generateTimeout bounds the model call. Generation is the slowest
	// external dependency in the pipeline.
	generateTimeout = 45 * time.Second
)

// Generator invokes the hosted language model.
type Generator interface {
	Generate(ctx context.Context, systemInstruction, prompt string) (string, error)
}

// Draft is a reply candidate. It is never sent automatically; its terminal
// state is always a saved draft.
type Draft struct {
	Subject string
	Body    string
	// Citations lists the source IDs of the passages offered to the
	// model, in retrieval order.
	Citations []string
	// Flags carries policy findings of warn severity. Candidates with a
	// block finding are never returned.
	Flags []Flag
}

// Composer assembles prompts and validates model output.
type Composer struct {
	generator Generator
	logger    *slog.Logger
}

// New creates a Composer around a generator.
func New(generator Generator, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		generator: generator,
		logger:    logging.WithComponent(logger, "composer"),
	}
}

// Compose drafts a reply to msg, optionally grounded in passages. An empty
// passage set is fine; the model is simply not offered context.
func (c *Composer) Compose(ctx context.Context, msg *gmail.Message, passages []retriever.Passage) (*Draft, error) {
	prompt := buildPrompt(msg, passages)

	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	reply, err := c.generator.Generate(genCtx, systemInstruction, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate reply for message %s: %w", msg.ID, faults.ErrGeneration)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("empty reply for message %s: %w", msg.ID, faults.ErrGeneration)
	}

	flags := scanReply(reply)
	if blocked, kind := blockingFlag(flags); blocked {
		// Deliberately not logging the candidate body.
		c.logger.Warn("draft suppressed by policy check",
			logging.MessageID(msg.ID),
			slog.String("flag", kind))
		return nil, fmt.Errorf("reply for message %s flagged %s: %w", msg.ID, kind, faults.ErrSafetyViolation)
	}

	citations := make([]string, 0, len(passages))
	for _, p := range passages {
		citations = append(citations, p.SourceID)
	}

	return &Draft{
		Subject:   ReplySubject(msg.Subject()),
		Body:      reply,
		Citations: citations,
		Flags:     flags,
	}, nil
}

// ReplySubject returns the deterministic reply subject: the original
// subject with exactly one "Re: " prefix.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: (no subject)"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
