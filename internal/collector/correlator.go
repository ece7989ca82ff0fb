package collector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/familylog/familylog/internal/database"
)

// LastIntentKey is the settings key recording an author's most recent
// declared intent, used to open implicit sessions for content that arrives
// with no marker.
func LastIntentKey(authorID int64) string {
	return fmt.Sprintf("last_intent_%d", authorID)
}

// Correlator maps incoming messages to sessions: it opens a session on a
// marker (closing the author's previous open one first), attaches content
// to the author's open session (creating one from the last recorded intent
// when none is open), and closes idle sessions on the timeout sweep.
type Correlator struct {
	store   database.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewCorrelator creates a Correlator with the given session idle timeout.
func NewCorrelator(store database.Store, timeout time.Duration, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:   store,
		timeout: timeout,
		logger:  logger.With("component", "correlator"),
	}
}

// applyMarker handles an intent marker: the author's open session, if any,
// becomes ready; a fresh open session with the declared intent is created
// unconditionally; the author's last intent setting is updated. The marker
// itself is never stored as a message. st is expected to be
// transaction-scoped by the caller.
func (c *Correlator) applyMarker(ctx context.Context, st database.Store, cls Classification) error {
	open, err := st.GetOpenSession(ctx, cls.AuthorID)
	if err != nil {
		return err
	}
	if open != nil {
		if err := st.CloseSession(ctx, open.ID, cls.At); err != nil {
			return err
		}
		c.logger.DebugContext(ctx, "Marker closed previous session",
			"session_id", open.ID, "author_id", cls.AuthorID, "intent", open.Intent)
	}

	sess := &database.Session{
		ChatID:        cls.ChatID,
		AuthorID:      cls.AuthorID,
		Intent:        cls.Intent,
		Status:        database.SessionOpen,
		OpenedAt:      cls.At,
		LastMessageAt: cls.At,
	}
	if err := st.InsertSession(ctx, sess); err != nil {
		return err
	}
	if err := st.SetSetting(ctx, LastIntentKey(cls.AuthorID), string(cls.Intent)); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Opened session",
		"session_id", sess.ID, "author_id", cls.AuthorID, "intent", cls.Intent)
	return nil
}

// applyContent attaches a classified message to the author's open session,
// creating one first when none exists. The message inherits the session's
// intent at the moment of assignment. Returns whether a new row was stored
// (false for a replayed duplicate). st is expected to be transaction-scoped
// by the caller.
func (c *Correlator) applyContent(ctx context.Context, st database.Store, msg *database.Message) (bool, error) {
	open, err := st.GetOpenSession(ctx, msg.AuthorID)
	if err != nil {
		return false, err
	}

	if open == nil {
		intent := database.IntentUnknown
		if last, err := st.GetSetting(ctx, LastIntentKey(msg.AuthorID)); err != nil {
			return false, err
		} else if last != "" {
			intent = database.Intent(last)
		}

		open = &database.Session{
			ChatID:        msg.ChatID,
			AuthorID:      msg.AuthorID,
			Intent:        intent,
			Status:        database.SessionOpen,
			OpenedAt:      msg.CreatedAt,
			LastMessageAt: msg.CreatedAt,
		}
		if err := st.InsertSession(ctx, open); err != nil {
			return false, err
		}
		c.logger.InfoContext(ctx, "Opened implicit session",
			"session_id", open.ID, "author_id", msg.AuthorID, "intent", intent)
	}

	msg.SessionID = sql.NullInt64{Int64: open.ID, Valid: true}
	msg.Intent = open.Intent

	inserted, err := st.InsertMessage(ctx, msg)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := st.TouchSession(ctx, open.ID, msg.CreatedAt); err != nil {
		return false, err
	}
	return true, nil
}

// SweepIdleSessions closes every open session, across all authors, whose
// last activity is older than the configured timeout. This is how sessions
// close in the absence of a new marker.
func (c *Correlator) SweepIdleSessions(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	closed, err := c.store.SweepIdleSessions(ctx, now.Add(-c.timeout), now)
	if err != nil {
		return 0, fmt.Errorf("idle session sweep failed: %w", err)
	}
	return closed, nil
}
