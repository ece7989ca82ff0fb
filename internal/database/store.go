package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations. Methods accept a
// context.Context for cancellation and timeouts.
//
// Transact runs fn against a transaction-scoped Store; every call made on the
// Store passed to fn commits or rolls back as a unit. The ingest loop relies
// on this to commit an update's side effects and the cursor advance together.
type Store interface {
	Ping(ctx context.Context) error
	Transact(ctx context.Context, fn func(Store) error) error

	// Settings: flat key/value rows with upsert semantics.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// InsertMessage inserts a message, ignoring duplicates of the source
	// message id. Returns false when the row already existed.
	InsertMessage(ctx context.Context, msg *Message) (bool, error)

	// GetOpenSession returns the author's open session, or nil, nil when
	// there is none.
	GetOpenSession(ctx context.Context, authorID int64) (*Session, error)
	InsertSession(ctx context.Context, sess *Session) error

	// CloseSession moves an open session to ready and stamps closed_at.
	CloseSession(ctx context.Context, sessionID int64, closedAt time.Time) error

	// TouchSession advances a session's last_message_at. Regressions are
	// clamped: an older timestamp leaves the stored value untouched.
	TouchSession(ctx context.Context, sessionID int64, at time.Time) error

	// SweepIdleSessions closes every open session, regardless of author,
	// whose last activity predates cutoff. Returns the number closed.
	SweepIdleSessions(ctx context.Context, cutoff, closedAt time.Time) (int64, error)

	SessionsByStatus(ctx context.Context, status SessionStatus) ([]*Session, error)

	// SessionMessages returns a session's messages ordered by their origin
	// timestamp, which is the ordering assembly depends on.
	SessionMessages(ctx context.Context, sessionID int64) ([]*Message, error)

	// FinalizeSession stores assembled content and flips the session and all
	// of its messages to assembled in a single transaction.
	FinalizeSession(ctx context.Context, sessionID int64, content string) error
	MarkSessionEmpty(ctx context.Context, sessionID int64) error
	SetSessionStatus(ctx context.Context, sessionID int64, status SessionStatus) error

	// PendingMessagesByType is the query surface for enrichment collaborators.
	PendingMessagesByType(ctx context.Context, msgType MessageType) ([]*Message, error)
	SetMessageEnrichment(ctx context.Context, messageID int64, textContent string, caption *string, status MessageStatus) error
	SetMessageError(ctx context.Context, messageID int64, status MessageStatus) error

	// DeleteMessagesAndSessions clears both tables atomically, preserving
	// settings so the ingest cursor survives a data reset.
	DeleteMessagesAndSessions(ctx context.Context) error
}

// querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx, letting the
// same store methods run inside or outside a transaction.
type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

type sqlxStore struct {
	db     *sqlx.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// NewStore creates a Store backed by sqlx. It requires a connected sqlx.DB
// instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		q:      db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) Transact(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		// Already transactional; nested calls join the outer transaction.
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	child := &sqlxStore{db: s.db, q: tx, inTx: true, logger: s.logger}
	if err := fn(child); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil
	return nil
}

func (s *sqlxStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.q.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value.String, nil
}

func (s *sqlxStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
        INSERT INTO settings (key, value) VALUES (?, ?)
        ON CONFLICT (key) DO UPDATE SET value = excluded.value;
    `
	if _, err := s.q.ExecContext(ctx, query, key, value); err != nil {
		s.logger.ErrorContext(ctx, "Error saving setting", "key", key, "error", err)
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}

const messageColumns = `id, telegram_message_id, chat_id, author_id, author_username, author_name,
        message_type, intent, session_id, raw_content, caption, document_filename,
        document_mime_type, is_forwarded, forward_from_name, forward_from_username,
        forward_post_url, text_content, status, created_at, processed_at`

func (s *sqlxStore) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("cannot insert nil message")
	}
	if msg.CreatedAt.IsZero() {
		return false, fmt.Errorf("message must have a non-zero created_at")
	}

	query := `
        INSERT INTO messages (telegram_message_id, chat_id, author_id, author_username,
            author_name, message_type, intent, session_id, raw_content, caption,
            document_filename, document_mime_type, is_forwarded, forward_from_name,
            forward_from_username, forward_post_url, text_content, status, created_at, processed_at)
        VALUES (:telegram_message_id, :chat_id, :author_id, :author_username,
            :author_name, :message_type, :intent, :session_id, :raw_content, :caption,
            :document_filename, :document_mime_type, :is_forwarded, :forward_from_name,
            :forward_from_username, :forward_post_url, :text_content, :status, :created_at, :processed_at)
        ON CONFLICT (telegram_message_id) DO NOTHING;
    `

	result, err := s.q.NamedExecContext(ctx, query, msg)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting message",
			"telegram_message_id", msg.TelegramMessageID, "author_id", msg.AuthorID, "error", err)
		return false, fmt.Errorf("failed to insert message %d: %w", msg.TelegramMessageID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for message %d: %w", msg.TelegramMessageID, err)
	}
	if affected == 0 {
		s.logger.DebugContext(ctx, "Message already stored, skipping duplicate",
			"telegram_message_id", msg.TelegramMessageID)
		return false, nil
	}

	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert id for message",
			"telegram_message_id", msg.TelegramMessageID, "error", err)
	}
	return true, nil
}

const sessionColumns = `id, chat_id, author_id, intent, status, assembled_content,
        opened_at, closed_at, last_message_at`

func (s *sqlxStore) GetOpenSession(ctx context.Context, authorID int64) (*Session, error) {
	var sess Session
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE author_id = ? AND status = ?`

	err := s.q.GetContext(ctx, &sess, query, authorID, SessionOpen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting open session", "author_id", authorID, "error", err)
		return nil, fmt.Errorf("failed to get open session for author %d: %w", authorID, err)
	}
	return &sess, nil
}

func (s *sqlxStore) InsertSession(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("cannot insert nil session")
	}

	query := `
        INSERT INTO sessions (chat_id, author_id, intent, status, assembled_content,
            opened_at, closed_at, last_message_at)
        VALUES (:chat_id, :author_id, :intent, :status, :assembled_content,
            :opened_at, :closed_at, :last_message_at);
    `
	result, err := s.q.NamedExecContext(ctx, query, sess)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting session",
			"author_id", sess.AuthorID, "intent", sess.Intent, "error", err)
		return fmt.Errorf("failed to insert session for author %d: %w", sess.AuthorID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		sess.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert id for session",
			"author_id", sess.AuthorID, "error", err)
	}
	return nil
}

func (s *sqlxStore) CloseSession(ctx context.Context, sessionID int64, closedAt time.Time) error {
	query := `UPDATE sessions SET status = ?, closed_at = ? WHERE id = ? AND status = ?`
	result, err := s.q.ExecContext(ctx, query, SessionReady, closedAt, sessionID, SessionOpen)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error closing session", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to close session %d: %w", sessionID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Close did not affect an open session",
			"session_id", sessionID, "affected", affected)
	}
	return nil
}

func (s *sqlxStore) TouchSession(ctx context.Context, sessionID int64, at time.Time) error {
	// last_message_at advances monotonically; an update carrying an older
	// timestamp is clamped rather than applied.
	query := `UPDATE sessions SET last_message_at = ? WHERE id = ? AND last_message_at <= ?`
	if _, err := s.q.ExecContext(ctx, query, at, sessionID, at); err != nil {
		s.logger.ErrorContext(ctx, "Error touching session", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to touch session %d: %w", sessionID, err)
	}
	return nil
}

func (s *sqlxStore) SweepIdleSessions(ctx context.Context, cutoff, closedAt time.Time) (int64, error) {
	query := `UPDATE sessions SET status = ?, closed_at = ? WHERE status = ? AND last_message_at < ?`
	result, err := s.q.ExecContext(ctx, query, SessionReady, closedAt, SessionOpen, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error sweeping idle sessions", "error", err)
		return 0, fmt.Errorf("failed to sweep idle sessions: %w", err)
	}

	closed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read swept session count: %w", err)
	}
	if closed > 0 {
		s.logger.InfoContext(ctx, "Closed idle sessions", "count", closed, "cutoff", cutoff)
	}
	return closed, nil
}

func (s *sqlxStore) SessionsByStatus(ctx context.Context, status SessionStatus) ([]*Session, error) {
	var sessions []*Session
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ? ORDER BY id ASC`

	if err := s.q.SelectContext(ctx, &sessions, query, status); err != nil {
		s.logger.ErrorContext(ctx, "Error getting sessions by status", "status", status, "error", err)
		return nil, fmt.Errorf("failed to get sessions with status %q: %w", status, err)
	}
	return sessions, nil
}

func (s *sqlxStore) SessionMessages(ctx context.Context, sessionID int64) ([]*Message, error) {
	var messages []*Message
	// Ordered by origin timestamp, not insertion order: enrichment touches
	// rows out of order but assembly must be chronological.
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE session_id = ? ORDER BY created_at ASC, id ASC`

	if err := s.q.SelectContext(ctx, &messages, query, sessionID); err != nil {
		s.logger.ErrorContext(ctx, "Error getting session messages", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to get messages for session %d: %w", sessionID, err)
	}
	return messages, nil
}

func (s *sqlxStore) FinalizeSession(ctx context.Context, sessionID int64, content string) error {
	return s.Transact(ctx, func(tx Store) error {
		txs := tx.(*sqlxStore)

		result, err := txs.q.ExecContext(ctx,
			`UPDATE sessions SET status = ?, assembled_content = ? WHERE id = ? AND status = ?`,
			SessionAssembled, content, sessionID, SessionReady)
		if err != nil {
			return fmt.Errorf("failed to mark session %d assembled: %w", sessionID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read finalize result for session %d: %w", sessionID, err)
		}
		if affected != 1 {
			return fmt.Errorf("session %d is not ready, cannot finalize", sessionID)
		}

		if _, err := txs.q.ExecContext(ctx,
			`UPDATE messages SET status = ?, processed_at = ? WHERE session_id = ?`,
			StatusAssembled, time.Now().UTC(), sessionID); err != nil {
			return fmt.Errorf("failed to mark messages assembled for session %d: %w", sessionID, err)
		}
		return nil
	})
}

func (s *sqlxStore) MarkSessionEmpty(ctx context.Context, sessionID int64) error {
	query := `UPDATE sessions SET status = ? WHERE id = ? AND status = ?`
	if _, err := s.q.ExecContext(ctx, query, SessionEmpty, sessionID, SessionReady); err != nil {
		s.logger.ErrorContext(ctx, "Error marking session empty", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to mark session %d empty: %w", sessionID, err)
	}
	return nil
}

func (s *sqlxStore) SetSessionStatus(ctx context.Context, sessionID int64, status SessionStatus) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID); err != nil {
		s.logger.ErrorContext(ctx, "Error setting session status",
			"session_id", sessionID, "status", status, "error", err)
		return fmt.Errorf("failed to set status %q on session %d: %w", status, sessionID, err)
	}
	return nil
}

func (s *sqlxStore) PendingMessagesByType(ctx context.Context, msgType MessageType) ([]*Message, error) {
	var messages []*Message
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE status = ? AND message_type = ? ORDER BY created_at ASC, id ASC`

	if err := s.q.SelectContext(ctx, &messages, query, StatusPending, msgType); err != nil {
		s.logger.ErrorContext(ctx, "Error getting pending messages", "type", msgType, "error", err)
		return nil, fmt.Errorf("failed to get pending %s messages: %w", msgType, err)
	}
	return messages, nil
}

func (s *sqlxStore) SetMessageEnrichment(ctx context.Context, messageID int64, textContent string, caption *string, status MessageStatus) error {
	query := `UPDATE messages SET text_content = ?, caption = COALESCE(?, caption),
        status = ?, processed_at = ? WHERE id = ?`

	var captionArg sql.NullString
	if caption != nil {
		captionArg = sql.NullString{String: *caption, Valid: true}
	}

	if _, err := s.q.ExecContext(ctx, query, textContent, captionArg, status, time.Now().UTC(), messageID); err != nil {
		s.logger.ErrorContext(ctx, "Error saving message enrichment",
			"message_id", messageID, "status", status, "error", err)
		return fmt.Errorf("failed to save enrichment for message %d: %w", messageID, err)
	}
	return nil
}

func (s *sqlxStore) SetMessageError(ctx context.Context, messageID int64, status MessageStatus) error {
	query := `UPDATE messages SET status = ?, processed_at = ? WHERE id = ?`
	if _, err := s.q.ExecContext(ctx, query, status, time.Now().UTC(), messageID); err != nil {
		s.logger.ErrorContext(ctx, "Error setting message error status",
			"message_id", messageID, "status", status, "error", err)
		return fmt.Errorf("failed to set status %q on message %d: %w", status, messageID, err)
	}
	return nil
}

func (s *sqlxStore) DeleteMessagesAndSessions(ctx context.Context) error {
	return s.Transact(ctx, func(tx Store) error {
		txs := tx.(*sqlxStore)

		messagesResult, err := txs.q.ExecContext(ctx, `DELETE FROM messages`)
		if err != nil {
			return fmt.Errorf("failed to delete messages during reset: %w", err)
		}
		sessionsResult, err := txs.q.ExecContext(ctx, `DELETE FROM sessions`)
		if err != nil {
			return fmt.Errorf("failed to delete sessions during reset: %w", err)
		}

		messagesCount, _ := messagesResult.RowsAffected()
		sessionsCount, _ := sessionsResult.RowsAffected()
		s.logger.InfoContext(ctx, "Reset data, cursor preserved",
			"messages_deleted", messagesCount, "sessions_deleted", sessionsCount)
		return nil
	})
}
