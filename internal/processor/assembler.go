// Package processor contains the per-message enrichment pumps (voice
// transcription, photo description, document metadata) and the session
// assembler that turns ready sessions into composed text artifacts.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/familylog/familylog/internal/database"
)

// Assembler turns every ready session into an assembled one by rendering
// its messages, in origin-timestamp order, into one composed text blob.
type Assembler struct {
	store  database.Store
	logger *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(store database.Store, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: store, logger: logger.With("component", "assembler")}
}

// Process assembles all ready sessions and returns how many transitioned
// to assembled. Each session assembles transactionally: on any failure it is
// left ready for retry on the next run, and the loop continues with the
// remaining sessions.
func (a *Assembler) Process(ctx context.Context) (int, error) {
	sessions, err := a.store.SessionsByStatus(ctx, database.SessionReady)
	if err != nil {
		return 0, fmt.Errorf("failed to load ready sessions: %w", err)
	}

	assembled := 0
	for _, sess := range sessions {
		ok, err := a.assembleOne(ctx, sess)
		if err != nil {
			a.logger.ErrorContext(ctx, "Session assembly failed, leaving for retry",
				"session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			assembled++
		}
	}

	if len(sessions) > 0 {
		a.logger.InfoContext(ctx, "Assembly pass finished", "ready", len(sessions), "assembled", assembled)
	}
	return assembled, nil
}

func (a *Assembler) assembleOne(ctx context.Context, sess *database.Session) (bool, error) {
	messages, err := a.store.SessionMessages(ctx, sess.ID)
	if err != nil {
		return false, err
	}

	if len(messages) == 0 {
		// A session closed before any content was attached.
		if err := a.store.MarkSessionEmpty(ctx, sess.ID); err != nil {
			return false, err
		}
		a.logger.DebugContext(ctx, "Session had no messages, marked empty", "session_id", sess.ID)
		return false, nil
	}

	blocks := make([]string, 0, len(messages))
	for _, msg := range messages {
		block, err := renderMessage(msg)
		if err != nil {
			return false, err
		}
		blocks = append(blocks, block)
	}

	if err := a.store.FinalizeSession(ctx, sess.ID, strings.Join(blocks, "\n")); err != nil {
		return false, err
	}

	a.logger.DebugContext(ctx, "Session assembled",
		"session_id", sess.ID, "intent", sess.Intent, "messages", len(messages))
	return true, nil
}

// renderMessage produces the tagged block for one message. Messages whose
// text content never materialized (an enrichment failure that was not
// surfaced as an error status) render as a placeholder instead of failing
// the whole session.
func renderMessage(msg *database.Message) (string, error) {
	text := msg.TextContent.String
	if !msg.TextContent.Valid {
		text = fmt.Sprintf("[processing failed, message_id=%d]: text unavailable", msg.ID)
	}

	var tag string
	switch msg.Type {
	case database.TypeText:
		tag = "[Text]"
	case database.TypeVoice:
		tag = "[Voice]"
	case database.TypePhoto:
		tag = "[Photo]"
	case database.TypeDocument:
		tag = "[Document]"
	default:
		return "", fmt.Errorf("unknown message type %q for message %d", msg.Type, msg.ID)
	}

	block := tag + ": " + text
	if msg.IsForwarded {
		block = forwardHeader(msg) + "\n" + block
	}
	return block, nil
}

func forwardHeader(msg *database.Message) string {
	var b strings.Builder
	b.WriteString("[Forwarded")
	if msg.ForwardFromName.Valid {
		b.WriteString(" from ")
		b.WriteString(msg.ForwardFromName.String)
	}
	if msg.ForwardFromUser.Valid {
		b.WriteString(" (@")
		b.WriteString(msg.ForwardFromUser.String)
		b.WriteString(")")
	}
	if msg.ForwardPostURL.Valid {
		b.WriteString(" ")
		b.WriteString(msg.ForwardPostURL.String)
	}
	b.WriteString("]")
	return b.String()
}
