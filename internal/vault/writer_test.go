package vault_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/familylog/familylog/internal/database"
	"github.com/familylog/familylog/internal/gemini"
	"github.com/familylog/familylog/internal/vault"
)

type fakeStore struct {
	database.Store

	sessions []*database.Session
}

func (f *fakeStore) SessionsByStatus(ctx context.Context, status database.SessionStatus) ([]*database.Session, error) {
	var out []*database.Session
	for _, sess := range f.sessions {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (f *fakeStore) SetSessionStatus(ctx context.Context, sessionID int64, status database.SessionStatus) error {
	for _, sess := range f.sessions {
		if sess.ID == sessionID {
			sess.Status = status
		}
	}
	return nil
}

type fakeAI struct {
	gemini.Client

	note *gemini.Note
	err  error
}

func (f *fakeAI) GenerateNote(ctx context.Context, intent string, openedAt time.Time, content string) (*gemini.Note, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.note == nil {
		return nil, errors.New("no note configured")
	}
	return f.note, nil
}

type fakeNotes struct {
	written  map[string]string
	appended map[string]string
	err      error
}

func newFakeNotes() *fakeNotes {
	return &fakeNotes{written: make(map[string]string), appended: make(map[string]string)}
}

func (f *fakeNotes) WriteNote(ctx context.Context, path, content string) error {
	if f.err != nil {
		return f.err
	}
	f.written[path] = content
	return nil
}

func (f *fakeNotes) AppendNote(ctx context.Context, path, content string) error {
	if f.err != nil {
		return f.err
	}
	f.appended[path] = content
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func assembledSession(id int64, content string) *database.Session {
	return &database.Session{
		ID:       id,
		AuthorID: 42,
		Intent:   database.IntentNote,
		Status:   database.SessionAssembled,
		OpenedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		AssembledContent: sql.NullString{
			String: content,
			Valid:  content != "",
		},
	}
}

func TestWriterCreatesNote(t *testing.T) {
	t.Parallel()

	store := &fakeStore{sessions: []*database.Session{assembledSession(1, "[Text]: buy milk")}}
	ai := &fakeAI{note: &gemini.Note{
		Filename: "notes/2024-05-01-groceries.md",
		Content:  "# Groceries\n\n- milk",
		Action:   gemini.NoteActionCreate,
	}}
	notes := newFakeNotes()

	n, err := vault.NewWriter(store, ai, notes, discard()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Process() written = %d, want 1", n)
	}
	if _, ok := notes.written["notes/2024-05-01-groceries.md"]; !ok {
		t.Error("note was not created at the generated path")
	}
	if got := store.sessions[0].Status; got != database.SessionProcessed {
		t.Errorf("session status = %q, want processed", got)
	}
}

func TestWriterAppendsToExistingNote(t *testing.T) {
	t.Parallel()

	store := &fakeStore{sessions: []*database.Session{assembledSession(1, "[Text]: long day")}}
	ai := &fakeAI{note: &gemini.Note{
		Filename: "diary/2024-05-01.md",
		Content:  "Evening entry.",
		Action:   gemini.NoteActionAppend,
	}}
	notes := newFakeNotes()

	if _, err := vault.NewWriter(store, ai, notes, discard()).Process(context.Background()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, ok := notes.appended["diary/2024-05-01.md"]; !ok {
		t.Error("note was not appended at the generated path")
	}
	if len(notes.written) != 0 {
		t.Error("append action must not overwrite the note")
	}
}

func TestWriterMarksErrorAndContinues(t *testing.T) {
	t.Parallel()

	store := &fakeStore{sessions: []*database.Session{
		assembledSession(1, ""), // no assembled content, fails
		assembledSession(2, "[Text]: fine"),
	}}
	ai := &fakeAI{note: &gemini.Note{
		Filename: "notes/ok.md",
		Content:  "ok",
		Action:   gemini.NoteActionCreate,
	}}
	notes := newFakeNotes()

	n, err := vault.NewWriter(store, ai, notes, discard()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v, per-session failures must not abort the pass", err)
	}
	if n != 1 {
		t.Errorf("Process() written = %d, want 1", n)
	}
	if got := store.sessions[0].Status; got != database.SessionErrorObsidian {
		t.Errorf("failed session status = %q, want error_obsidian", got)
	}
	if got := store.sessions[1].Status; got != database.SessionProcessed {
		t.Errorf("healthy session status = %q, want processed", got)
	}
}

func TestWriterVaultFailureMarksError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{sessions: []*database.Session{assembledSession(1, "[Text]: content")}}
	ai := &fakeAI{note: &gemini.Note{
		Filename: "notes/x.md",
		Content:  "x",
		Action:   gemini.NoteActionCreate,
	}}
	notes := newFakeNotes()
	notes.err = errors.New("vault unreachable")

	n, err := vault.NewWriter(store, ai, notes, discard()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Process() written = %d, want 0", n)
	}
	if got := store.sessions[0].Status; got != database.SessionErrorObsidian {
		t.Errorf("session status = %q, want error_obsidian", got)
	}
}
