package database

import (
	"database/sql"
	"time"
)

// MessageType classifies an inbound message. Every place that renders or
// dispatches a message switches over the full set and treats anything else
// as an error.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeVoice    MessageType = "voice"
	TypePhoto    MessageType = "photo"
	TypeDocument MessageType = "document"
)

// MessageStatus tracks a message through enrichment and assembly.
// Terminal states: StatusAssembled and the error variants.
type MessageStatus string

const (
	StatusPending     MessageStatus = "pending"
	StatusTranscribed MessageStatus = "transcribed"
	StatusDescribed   MessageStatus = "described"
	StatusAssembled   MessageStatus = "assembled"
	StatusErrorSTT    MessageStatus = "error_stt"
	StatusErrorVision MessageStatus = "error_vision"
	StatusErrorDoc    MessageStatus = "error_doc"
)

// SessionStatus is the session state machine:
// open -> ready -> assembled -> processed, with empty and error_obsidian
// as alternate terminals.
type SessionStatus string

const (
	SessionOpen          SessionStatus = "open"
	SessionReady         SessionStatus = "ready"
	SessionAssembled     SessionStatus = "assembled"
	SessionProcessed     SessionStatus = "processed"
	SessionEmpty         SessionStatus = "empty"
	SessionErrorObsidian SessionStatus = "error_obsidian"
)

// Intent is the purpose a session's messages share, declared by a marker.
type Intent string

const (
	IntentNote     Intent = "note"
	IntentDiary    Intent = "diary"
	IntentCalendar Intent = "calendar"
	IntentReminder Intent = "reminder"
	IntentUnknown  Intent = "unknown"
)

// SettingLastUpdateID stores the ingest cursor: the id of the last update
// whose side effects were durably committed.
const SettingLastUpdateID = "last_update_id"

// Message is one inbound unit of content from Telegram. text_content is set
// immediately for text messages and asynchronously by enrichment for the
// media types; raw_content holds the Telegram file id for media.
type Message struct {
	ID                int64          `db:"id"`
	TelegramMessageID int64          `db:"telegram_message_id"`
	ChatID            int64          `db:"chat_id"`
	AuthorID          int64          `db:"author_id"`
	AuthorUsername    sql.NullString `db:"author_username"`
	AuthorName        string         `db:"author_name"`
	Type              MessageType    `db:"message_type"`
	Intent            Intent         `db:"intent"`
	SessionID         sql.NullInt64  `db:"session_id"`
	RawContent        sql.NullString `db:"raw_content"`
	Caption           sql.NullString `db:"caption"`
	DocumentFilename  sql.NullString `db:"document_filename"`
	DocumentMimeType  sql.NullString `db:"document_mime_type"`
	IsForwarded       bool           `db:"is_forwarded"`
	ForwardFromName   sql.NullString `db:"forward_from_name"`
	ForwardFromUser   sql.NullString `db:"forward_from_username"`
	ForwardPostURL    sql.NullString `db:"forward_post_url"`
	TextContent       sql.NullString `db:"text_content"`
	Status            MessageStatus  `db:"status"`
	CreatedAt         time.Time      `db:"created_at"`
	ProcessedAt       sql.NullTime   `db:"processed_at"`
}

// Session is a correlation window grouping one author's messages under one
// intent, between two markers or a timeout. assembled_content is produced
// exactly once by the assembler from the child messages ordered by created_at.
type Session struct {
	ID               int64          `db:"id"`
	ChatID           int64          `db:"chat_id"`
	AuthorID         int64          `db:"author_id"`
	Intent           Intent         `db:"intent"`
	Status           SessionStatus  `db:"status"`
	AssembledContent sql.NullString `db:"assembled_content"`
	OpenedAt         time.Time      `db:"opened_at"`
	ClosedAt         sql.NullTime   `db:"closed_at"`
	LastMessageAt    time.Time      `db:"last_message_at"`
}

// Setting is a flat key/value row used for the ingest cursor and per-author
// derived state.
type Setting struct {
	Key   string         `db:"key"`
	Value sql.NullString `db:"value"`
}
