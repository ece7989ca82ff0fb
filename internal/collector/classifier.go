package collector

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/familylog/familylog/internal/database"
)

// Markers maps a normalized marker phrase to the intent it declares.
// Matching is literal after trimming and lower-casing.
type Markers map[string]database.Intent

// NewMarkers builds a marker table from the config map, normalizing the
// phrases the same way incoming text is normalized.
func NewMarkers(phrases map[string]string) Markers {
	m := make(Markers, len(phrases))
	for phrase, intent := range phrases {
		m[strings.ToLower(strings.TrimSpace(phrase))] = database.Intent(intent)
	}
	return m
}

// Match reports whether text is a marker and which intent it declares.
func (m Markers) Match(text string) (database.Intent, bool) {
	intent, ok := m[strings.ToLower(strings.TrimSpace(text))]
	return intent, ok
}

// Kind discriminates classification outcomes.
type Kind int

const (
	// KindSkip means the update carries nothing this worker stores; the
	// cursor still advances past it.
	KindSkip Kind = iota
	// KindMarker means the update is an intent marker, not content.
	KindMarker
	// KindContent means the update carries a storable message.
	KindContent
)

// Classification is the typed result of inspecting one raw update.
// For KindContent, Message has everything except Intent and SessionID,
// which the correlator assigns. For KindMarker, Intent, AuthorID, ChatID
// and At identify the declaration.
type Classification struct {
	Kind     Kind
	Intent   database.Intent
	AuthorID int64
	ChatID   int64
	At       time.Time
	Message  *database.Message
	Reason   string
}

func skip(reason string) Classification {
	return Classification{Kind: KindSkip, Reason: reason}
}

// Classify inspects one raw Telegram update and produces a typed outcome.
// Unsupported or payload-free updates are skippable, never errors.
func Classify(update *models.Update, markers Markers) Classification {
	if update == nil || update.Message == nil {
		return skip("no message payload")
	}

	msg := update.Message
	if msg.From == nil {
		return skip("message has no author")
	}

	at := time.Unix(int64(msg.Date), 0).UTC()

	if msg.Text != "" {
		if intent, ok := markers.Match(msg.Text); ok {
			return Classification{
				Kind:     KindMarker,
				Intent:   intent,
				AuthorID: msg.From.ID,
				ChatID:   msg.Chat.ID,
				At:       at,
			}
		}
	}

	record := &database.Message{
		TelegramMessageID: int64(msg.ID),
		ChatID:            msg.Chat.ID,
		AuthorID:          msg.From.ID,
		AuthorName:        msg.From.FirstName,
		Status:            database.StatusPending,
		CreatedAt:         at,
	}
	if msg.From.Username != "" {
		record.AuthorUsername = sql.NullString{String: msg.From.Username, Valid: true}
	}
	if msg.Caption != "" {
		record.Caption = sql.NullString{String: msg.Caption, Valid: true}
	}

	switch {
	case msg.Text != "":
		record.Type = database.TypeText
		record.TextContent = sql.NullString{String: msg.Text, Valid: true}

	case msg.Voice != nil:
		record.Type = database.TypeVoice
		record.RawContent = sql.NullString{String: msg.Voice.FileID, Valid: true}

	case len(msg.Photo) > 0:
		// Telegram lists photo sizes smallest first; the last entry is the
		// highest resolution.
		record.Type = database.TypePhoto
		record.RawContent = sql.NullString{String: msg.Photo[len(msg.Photo)-1].FileID, Valid: true}

	case msg.Document != nil:
		record.RawContent = sql.NullString{String: msg.Document.FileID, Valid: true}
		if strings.HasPrefix(msg.Document.MimeType, "audio/") {
			// Audio files sent as generic attachments go through speech-to-
			// text like voice notes.
			record.Type = database.TypeVoice
		} else {
			record.Type = database.TypeDocument
			if msg.Document.FileName != "" {
				record.DocumentFilename = sql.NullString{String: msg.Document.FileName, Valid: true}
			}
			if msg.Document.MimeType != "" {
				record.DocumentMimeType = sql.NullString{String: msg.Document.MimeType, Valid: true}
			}
		}

	default:
		return skip("unsupported content kind")
	}

	applyForwardOrigin(record, msg.ForwardOrigin)

	return Classification{Kind: KindContent, Message: record}
}

// applyForwardOrigin fills the forward metadata columns from the update's
// origin information. A channel origin with a public handle gets a canonical
// permalink; a user origin gets a display name composed from the given and
// family names.
func applyForwardOrigin(record *database.Message, origin *models.MessageOrigin) {
	if origin == nil {
		return
	}

	switch origin.Type {
	case models.MessageOriginTypeChannel:
		ch := origin.MessageOriginChannel
		if ch == nil {
			return
		}
		record.IsForwarded = true
		if ch.Chat.Title != "" {
			record.ForwardFromName = sql.NullString{String: ch.Chat.Title, Valid: true}
		}
		if ch.Chat.Username != "" {
			record.ForwardFromUser = sql.NullString{String: ch.Chat.Username, Valid: true}
			if ch.MessageID != 0 {
				record.ForwardPostURL = sql.NullString{
					String: fmt.Sprintf("https://t.me/%s/%d", ch.Chat.Username, ch.MessageID),
					Valid:  true,
				}
			}
		}

	case models.MessageOriginTypeUser:
		u := origin.MessageOriginUser
		if u == nil {
			return
		}
		record.IsForwarded = true
		name := strings.TrimSpace(u.SenderUser.FirstName + " " + u.SenderUser.LastName)
		if name != "" {
			record.ForwardFromName = sql.NullString{String: name, Valid: true}
		}
		if u.SenderUser.Username != "" {
			record.ForwardFromUser = sql.NullString{String: u.SenderUser.Username, Valid: true}
		}

	case models.MessageOriginTypeHiddenUser:
		h := origin.MessageOriginHiddenUser
		if h == nil {
			return
		}
		record.IsForwarded = true
		if h.SenderUserName != "" {
			record.ForwardFromName = sql.NullString{String: h.SenderUserName, Valid: true}
		}

	case models.MessageOriginTypeChat:
		c := origin.MessageOriginChat
		if c == nil {
			return
		}
		record.IsForwarded = true
		if c.SenderChat.Title != "" {
			record.ForwardFromName = sql.NullString{String: c.SenderChat.Title, Valid: true}
		}
	}
}
