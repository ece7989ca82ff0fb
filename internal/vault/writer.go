package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/familylog/familylog/internal/database"
	"github.com/familylog/familylog/internal/gemini"
)

// NoteStore is the vault side of an Obsidian client, narrowed to what the
// writer needs.
type NoteStore interface {
	WriteNote(ctx context.Context, path, content string) error
	AppendNote(ctx context.Context, path, content string) error
}

// Writer delivers assembled sessions to the vault. The model picks the note
// filename and decides whether the session creates a new note or extends an
// existing one.
type Writer struct {
	store  database.Store
	ai     gemini.Client
	notes  NoteStore
	logger *slog.Logger
}

// NewWriter creates a Writer.
func NewWriter(store database.Store, ai gemini.Client, notes NoteStore, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  store,
		ai:     ai,
		notes:  notes,
		logger: logger.With("component", "vault_writer"),
	}
}

// Process writes every assembled session to the vault and returns how many
// were delivered. A failed session is marked error_obsidian and the rest
// still run.
func (w *Writer) Process(ctx context.Context) (int, error) {
	sessions, err := w.store.SessionsByStatus(ctx, database.SessionAssembled)
	if err != nil {
		return 0, fmt.Errorf("failed to load assembled sessions: %w", err)
	}

	written := 0
	for _, sess := range sessions {
		if err := w.processOne(ctx, sess); err != nil {
			w.logger.ErrorContext(ctx, "Vault delivery failed",
				"session_id", sess.ID, "error", err)
			if markErr := w.store.SetSessionStatus(ctx, sess.ID, database.SessionErrorObsidian); markErr != nil {
				w.logger.ErrorContext(ctx, "Failed to record vault error",
					"session_id", sess.ID, "error", markErr)
			}
			continue
		}
		written++
	}

	if len(sessions) > 0 {
		w.logger.InfoContext(ctx, "Vault pass finished", "assembled", len(sessions), "written", written)
	}
	return written, nil
}

func (w *Writer) processOne(ctx context.Context, sess *database.Session) error {
	if !sess.AssembledContent.Valid || sess.AssembledContent.String == "" {
		return fmt.Errorf("session %d has no assembled content", sess.ID)
	}

	note, err := w.ai.GenerateNote(ctx, string(sess.Intent), sess.OpenedAt, sess.AssembledContent.String)
	if err != nil {
		return fmt.Errorf("note generation failed: %w", err)
	}
	if note.Filename == "" {
		return fmt.Errorf("note generation returned an empty filename")
	}

	switch note.Action {
	case gemini.NoteActionAppend:
		err = w.notes.AppendNote(ctx, note.Filename, note.Content)
	case gemini.NoteActionCreate:
		err = w.notes.WriteNote(ctx, note.Filename, note.Content)
	default:
		return fmt.Errorf("note generation returned unknown action %q", note.Action)
	}
	if err != nil {
		return err
	}

	if err := w.store.SetSessionStatus(ctx, sess.ID, database.SessionProcessed); err != nil {
		return fmt.Errorf("failed to mark session processed: %w", err)
	}

	w.logger.InfoContext(ctx, "Session written to vault",
		"session_id", sess.ID, "intent", sess.Intent, "note", note.Filename, "action", note.Action)
	return nil
}
