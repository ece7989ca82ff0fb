package processor_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/familylog/familylog/internal/database"
	"github.com/familylog/familylog/internal/processor"
)

// fakeStore is an in-memory Store covering what the processor package
// touches. Unimplemented methods panic through the embedded nil interface.
type fakeStore struct {
	database.Store

	sessions []*database.Session
	messages []*database.Message

	failFinalize map[int64]error
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

func (f *fakeStore) SessionMessages(ctx context.Context, sessionID int64) ([]*database.Message, error) {
	var out []*database.Message
	for _, msg := range f.messages {
		if msg.SessionID.Int64 == sessionID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) FinalizeSession(ctx context.Context, sessionID int64, content string) error {
	if err := f.failFinalize[sessionID]; err != nil {
		return err
	}
	for _, sess := range f.sessions {
		if sess.ID == sessionID {
			sess.Status = database.SessionAssembled
			sess.AssembledContent = sql.NullString{String: content, Valid: true}
		}
	}
	for _, msg := range f.messages {
		if msg.SessionID.Int64 == sessionID {
			msg.Status = database.StatusAssembled
		}
	}
	return nil
}

func (f *fakeStore) MarkSessionEmpty(ctx context.Context, sessionID int64) error {
	for _, sess := range f.sessions {
		if sess.ID == sessionID && sess.Status == database.SessionReady {
			sess.Status = database.SessionEmpty
		}
	}
	return nil
}

func (f *fakeStore) PendingMessagesByType(ctx context.Context, msgType database.MessageType) ([]*database.Message, error) {
	var out []*database.Message
	for _, msg := range f.messages {
		if msg.Status == database.StatusPending && msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeStore) SetMessageEnrichment(ctx context.Context, messageID int64, textContent string, caption *string, status database.MessageStatus) error {
	for _, msg := range f.messages {
		if msg.ID == messageID {
			msg.TextContent = sql.NullString{String: textContent, Valid: true}
			if caption != nil {
				msg.Caption = sql.NullString{String: *caption, Valid: true}
			}
			msg.Status = status
		}
	}
	return nil
}

func (f *fakeStore) SetMessageError(ctx context.Context, messageID int64, status database.MessageStatus) error {
	for _, msg := range f.messages {
		if msg.ID == messageID {
			msg.Status = status
		}
	}
	return nil
}

func (f *fakeStore) message(t *testing.T, id int64) *database.Message {
	t.Helper()
	for _, msg := range f.messages {
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("message %d not found", id)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func text(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func readySession(id int64) *database.Session {
	return &database.Session{ID: id, AuthorID: 42, Intent: database.IntentNote, Status: database.SessionReady}
}

func TestAssembleOrdersByOriginTimestamp(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		sessions: []*database.Session{readySession(1)},
		// Inserted out of order: enrichment finishes whenever it finishes.
		messages: []*database.Message{
			{ID: 3, SessionID: sql.NullInt64{Int64: 1, Valid: true}, Type: database.TypeVoice,
				TextContent: text("second, a voice note"), CreatedAt: base.Add(time.Minute)},
			{ID: 1, SessionID: sql.NullInt64{Int64: 1, Valid: true}, Type: database.TypeText,
				TextContent: text("first"), CreatedAt: base},
			{ID: 2, SessionID: sql.NullInt64{Int64: 1, Valid: true}, Type: database.TypePhoto,
				TextContent: text("third, a photo"), CreatedAt: base.Add(2 * time.Minute)},
		},
	}

	n, err := processor.NewAssembler(store, discard()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Process() assembled = %d, want 1", n)
	}

	want := "[Text]: first\n[Voice]: second, a voice note\n[Photo]: third, a photo"
	sess := store.sessions[0]
	if sess.Status != database.SessionAssembled {
		t.Errorf("session status = %q, want assembled", sess.Status)
	}
	if sess.AssembledContent.String != want {
		t.Errorf("assembled content =\n%q\nwant\n%q", sess.AssembledContent.String, want)
	}
	for _, msg := range store.messages {
		if msg.Status != database.StatusAssembled {
			t.Errorf("message %d status = %q, want assembled", msg.ID, msg.Status)
		}
	}
}

func TestAssembleForwardHeaderAndPlaceholder(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		sessions: []*database.Session{readySession(1)},
		messages: []*database.Message{
			{ID: 1, SessionID: sql.NullInt64{Int64: 1, Valid: true}, Type: database.TypeText,
				TextContent: text("look at this"), CreatedAt: base,
				IsForwarded:     true,
				ForwardFromName: text("City News"),
				ForwardFromUser: text("citynews"),
				ForwardPostURL:  text("https://t.me/citynews/555")},
			{ID: 2, SessionID: sql.NullInt64{Int64: 1, Valid: true}, Type: database.TypeVoice,
				CreatedAt: base.Add(time.Minute)}, // enrichment never produced text
		},
	}

	if _, err := processor.NewAssembler(store, discard()).Process(context.Background()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := "[Forwarded from City News (@citynews) https://t.me/citynews/555]\n" +
		"[Text]: look at this\n" +
		"[Voice]: [processing failed, message_id=2]: text unavailable"
	if got := store.sessions[0].AssembledContent.String; got != want {
		t.Errorf("assembled content =\n%q\nwant\n%q", got, want)
	}
}

func TestAssembleEmptySession(t *testing.T) {
	t.Parallel()

	store := &fakeStore{sessions: []*database.Session{readySession(1)}}

	n, err := processor.NewAssembler(store, discard()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Process() assembled = %d, want 0 for an empty session", n)
	}
	if got := store.sessions[0].Status; got != database.SessionEmpty {
		t.Errorf("session status = %q, want empty", got)
	}
}

func TestAssembleFailureLeavesSessionReady(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		sessions:     []*database.Session{readySession(1), readySession(2)},
		failFinalize: map[int64]error{1: errors.New("disk full")},
		messages: []*database.Message{
			{ID: 1, SessionID: sql.NullInt64{Int64: 1, Valid: true}, Type: database.TypeText,
				TextContent: text("doomed"), CreatedAt: base},
			{ID: 2, SessionID: sql.NullInt64{Int64: 2, Valid: true}, Type: database.TypeText,
				TextContent: text("fine"), CreatedAt: base},
		},
	}

	n, err := processor.NewAssembler(store, discard()).Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v, failures must not abort the pass", err)
	}
	if n != 1 {
		t.Errorf("Process() assembled = %d, want 1", n)
	}
	if got := store.sessions[0].Status; got != database.SessionReady {
		t.Errorf("failed session status = %q, want ready for retry", got)
	}
	if got := store.sessions[1].Status; got != database.SessionAssembled {
		t.Errorf("healthy session status = %q, want assembled", got)
	}
}
