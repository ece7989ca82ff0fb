package database_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/familylog/familylog/internal/database"
)

var baseTime = time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "familylog_test.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, slog.New(slog.DiscardHandler))
}

func insertOpenSession(t *testing.T, store database.Store, authorID int64, at time.Time) *database.Session {
	t.Helper()

	sess := &database.Session{
		ChatID:        100,
		AuthorID:      authorID,
		Intent:        database.IntentNote,
		Status:        database.SessionOpen,
		OpenedAt:      at,
		LastMessageAt: at,
	}
	if err := store.InsertSession(context.Background(), sess); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}
	if sess.ID == 0 {
		t.Fatal("InsertSession() left session id unset")
	}
	return sess
}

func insertTextMessage(t *testing.T, store database.Store, tgID, sessionID int64, text string, at time.Time) *database.Message {
	t.Helper()

	msg := &database.Message{
		TelegramMessageID: tgID,
		ChatID:            100,
		AuthorID:          1,
		AuthorName:        "Mira",
		Type:              database.TypeText,
		Intent:            database.IntentNote,
		SessionID:         sql.NullInt64{Int64: sessionID, Valid: true},
		TextContent:       sql.NullString{String: text, Valid: true},
		Status:            database.StatusPending,
		CreatedAt:         at,
	}
	inserted, err := store.InsertMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("InsertMessage(%d) error = %v", tgID, err)
	}
	if !inserted {
		t.Fatalf("InsertMessage(%d) = false, want true", tgID)
	}
	return msg
}

func TestSettingsUpsert(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	value, err := store.GetSetting(ctx, database.SettingLastUpdateID)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if value != "" {
		t.Errorf("GetSetting() on empty table = %q, want empty", value)
	}

	if err := store.SetSetting(ctx, database.SettingLastUpdateID, "41"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := store.SetSetting(ctx, database.SettingLastUpdateID, "42"); err != nil {
		t.Fatalf("SetSetting() overwrite error = %v", err)
	}

	value, err = store.GetSetting(ctx, database.SettingLastUpdateID)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if value != "42" {
		t.Errorf("GetSetting() = %q, want %q", value, "42")
	}
}

func TestInsertMessageIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	sess := insertOpenSession(t, store, 1, baseTime)
	first := insertTextMessage(t, store, 500, sess.ID, "original", baseTime)

	duplicate := &database.Message{
		TelegramMessageID: 500,
		ChatID:            100,
		AuthorID:          1,
		AuthorName:        "Mira",
		Type:              database.TypeText,
		Intent:            database.IntentNote,
		SessionID:         sql.NullInt64{Int64: sess.ID, Valid: true},
		TextContent:       sql.NullString{String: "replayed", Valid: true},
		Status:            database.StatusPending,
		CreatedAt:         baseTime.Add(time.Minute),
	}
	inserted, err := store.InsertMessage(ctx, duplicate)
	if err != nil {
		t.Fatalf("InsertMessage() duplicate error = %v, want nil", err)
	}
	if inserted {
		t.Error("InsertMessage() duplicate = true, want false")
	}

	messages, err := store.SessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionMessages() error = %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(messages))
	}
	if messages[0].ID != first.ID || messages[0].TextContent.String != "original" {
		t.Errorf("stored message = id %d text %q, want id %d text %q",
			messages[0].ID, messages[0].TextContent.String, first.ID, "original")
	}
}

func TestSingleOpenSessionPerAuthor(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	first := insertOpenSession(t, store, 1, baseTime)

	second := &database.Session{
		ChatID:        100,
		AuthorID:      1,
		Intent:        database.IntentDiary,
		Status:        database.SessionOpen,
		OpenedAt:      baseTime.Add(time.Minute),
		LastMessageAt: baseTime.Add(time.Minute),
	}
	if err := store.InsertSession(ctx, second); err == nil {
		t.Fatal("InsertSession() second open session for same author succeeded, want unique index violation")
	}

	// Another author is unaffected by the constraint.
	insertOpenSession(t, store, 2, baseTime)

	// Once the first session leaves open, the author may open again.
	if err := store.CloseSession(ctx, first.ID, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	reopened := insertOpenSession(t, store, 1, baseTime.Add(2*time.Minute))

	open, err := store.GetOpenSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if open == nil || open.ID != reopened.ID {
		t.Errorf("GetOpenSession() = %+v, want session %d", open, reopened.ID)
	}
}

func TestSessionMessagesChronologicalOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	sess := insertOpenSession(t, store, 1, baseTime)

	// Inserted out of origin order, with a created_at tie resolved by id.
	insertTextMessage(t, store, 503, sess.ID, "third", baseTime.Add(2*time.Minute))
	insertTextMessage(t, store, 501, sess.ID, "first", baseTime)
	insertTextMessage(t, store, 502, sess.ID, "second", baseTime.Add(time.Minute))
	insertTextMessage(t, store, 504, sess.ID, "fourth", baseTime.Add(2*time.Minute))

	messages, err := store.SessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionMessages() error = %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	if len(messages) != len(want) {
		t.Fatalf("len(messages) = %d, want %d", len(messages), len(want))
	}
	for i, text := range want {
		if messages[i].TextContent.String != text {
			t.Errorf("messages[%d] = %q, want %q", i, messages[i].TextContent.String, text)
		}
	}
}

func TestFinalizeSessionRequiresReady(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	sess := insertOpenSession(t, store, 1, baseTime)
	msg := insertTextMessage(t, store, 510, sess.ID, "hello", baseTime)

	err := store.FinalizeSession(ctx, sess.ID, "## Note\nhello")
	if err == nil {
		t.Fatal("FinalizeSession() on open session succeeded, want error")
	}

	// The failed finalize must leave both rows untouched.
	open, err := store.GetOpenSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if open == nil || open.Status != database.SessionOpen {
		t.Fatalf("session after failed finalize = %+v, want still open", open)
	}
	messages, err := store.SessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionMessages() error = %v", err)
	}
	if messages[0].Status != database.StatusPending || messages[0].ProcessedAt.Valid {
		t.Errorf("message after failed finalize = status %q processed %v, want pending and unset",
			messages[0].Status, messages[0].ProcessedAt.Valid)
	}

	if err := store.CloseSession(ctx, sess.ID, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if err := store.FinalizeSession(ctx, sess.ID, "## Note\nhello"); err != nil {
		t.Fatalf("FinalizeSession() after close error = %v", err)
	}

	assembled, err := store.SessionsByStatus(ctx, database.SessionAssembled)
	if err != nil {
		t.Fatalf("SessionsByStatus() error = %v", err)
	}
	if len(assembled) != 1 || assembled[0].ID != sess.ID {
		t.Fatalf("assembled sessions = %+v, want session %d", assembled, sess.ID)
	}
	if assembled[0].AssembledContent.String != "## Note\nhello" {
		t.Errorf("assembled content = %q, want %q", assembled[0].AssembledContent.String, "## Note\nhello")
	}

	messages, err = store.SessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionMessages() error = %v", err)
	}
	if messages[0].ID != msg.ID || messages[0].Status != database.StatusAssembled || !messages[0].ProcessedAt.Valid {
		t.Errorf("message after finalize = status %q processed %v, want assembled and stamped",
			messages[0].Status, messages[0].ProcessedAt.Valid)
	}
}

func TestTouchSessionClampsRegressions(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	sess := insertOpenSession(t, store, 1, baseTime)

	newer := baseTime.Add(5 * time.Minute)
	if err := store.TouchSession(ctx, sess.ID, newer); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}
	open, err := store.GetOpenSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if !open.LastMessageAt.Equal(newer) {
		t.Fatalf("last_message_at = %v, want %v", open.LastMessageAt, newer)
	}

	// An older timestamp must not move the watermark back.
	if err := store.TouchSession(ctx, sess.ID, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("TouchSession() regression error = %v", err)
	}
	open, err = store.GetOpenSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if !open.LastMessageAt.Equal(newer) {
		t.Errorf("last_message_at after regression = %v, want clamped at %v", open.LastMessageAt, newer)
	}
}

func TestSweepIdleSessions(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	stale := insertOpenSession(t, store, 1, baseTime)
	fresh := insertOpenSession(t, store, 2, baseTime.Add(20*time.Minute))

	cutoff := baseTime.Add(10 * time.Minute)
	closedAt := baseTime.Add(30 * time.Minute)
	closed, err := store.SweepIdleSessions(ctx, cutoff, closedAt)
	if err != nil {
		t.Fatalf("SweepIdleSessions() error = %v", err)
	}
	if closed != 1 {
		t.Errorf("SweepIdleSessions() = %d, want 1", closed)
	}

	ready, err := store.SessionsByStatus(ctx, database.SessionReady)
	if err != nil {
		t.Fatalf("SessionsByStatus() error = %v", err)
	}
	if len(ready) != 1 || ready[0].ID != stale.ID {
		t.Fatalf("ready sessions = %+v, want session %d", ready, stale.ID)
	}
	if !ready[0].ClosedAt.Valid || !ready[0].ClosedAt.Time.Equal(closedAt) {
		t.Errorf("closed_at = %+v, want %v", ready[0].ClosedAt, closedAt)
	}

	open, err := store.GetOpenSession(ctx, 2)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if open == nil || open.ID != fresh.ID {
		t.Errorf("fresh session = %+v, want session %d still open", open, fresh.ID)
	}
}

func TestTransactRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	wantErr := errors.New("persistence interrupted")
	err := store.Transact(ctx, func(tx database.Store) error {
		sess := &database.Session{
			ChatID:        100,
			AuthorID:      1,
			Intent:        database.IntentNote,
			Status:        database.SessionOpen,
			OpenedAt:      baseTime,
			LastMessageAt: baseTime,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		if err := tx.SetSetting(ctx, database.SettingLastUpdateID, "99"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transact() error = %v, want %v", err, wantErr)
	}

	open, err := store.GetOpenSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if open != nil {
		t.Errorf("session survived rollback: %+v", open)
	}
	cursor, err := store.GetSetting(ctx, database.SettingLastUpdateID)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor survived rollback: %q", cursor)
	}
}

func TestDeleteMessagesAndSessionsPreservesSettings(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	sess := insertOpenSession(t, store, 1, baseTime)
	insertTextMessage(t, store, 520, sess.ID, "hello", baseTime)
	if err := store.SetSetting(ctx, database.SettingLastUpdateID, "42"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}

	if err := store.DeleteMessagesAndSessions(ctx); err != nil {
		t.Fatalf("DeleteMessagesAndSessions() error = %v", err)
	}

	open, err := store.GetOpenSession(ctx, 1)
	if err != nil {
		t.Fatalf("GetOpenSession() error = %v", err)
	}
	if open != nil {
		t.Errorf("session survived reset: %+v", open)
	}
	messages, err := store.SessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionMessages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("len(messages) after reset = %d, want 0", len(messages))
	}

	cursor, err := store.GetSetting(ctx, database.SettingLastUpdateID)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if cursor != "42" {
		t.Errorf("cursor after reset = %q, want %q preserved", cursor, "42")
	}
}
