package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/familylog/familylog/internal/database"
	"github.com/familylog/familylog/internal/gemini"
)

// Downloader fetches media content from Telegram by file id, returning the
// data and its detected MIME type. Implemented by the telegram client.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// VoiceProcessor transcribes pending voice messages. Each message is handled
// independently: a failure marks that message error_stt and the pump moves on.
type VoiceProcessor struct {
	store      database.Store
	downloader Downloader
	ai         gemini.Client
	logger     *slog.Logger
}

// NewVoiceProcessor creates a VoiceProcessor.
func NewVoiceProcessor(store database.Store, downloader Downloader, ai gemini.Client, logger *slog.Logger) *VoiceProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceProcessor{
		store:      store,
		downloader: downloader,
		ai:         ai,
		logger:     logger.With("component", "voice_processor"),
	}
}

// Process transcribes all pending voice messages and returns how many
// succeeded.
func (p *VoiceProcessor) Process(ctx context.Context) (int, error) {
	messages, err := p.store.PendingMessagesByType(ctx, database.TypeVoice)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending voice messages: %w", err)
	}

	processed := 0
	for _, msg := range messages {
		if err := p.processOne(ctx, msg); err != nil {
			p.logger.ErrorContext(ctx, "Voice transcription failed",
				"message_id", msg.ID, "error", err)
			if markErr := p.store.SetMessageError(ctx, msg.ID, database.StatusErrorSTT); markErr != nil {
				p.logger.ErrorContext(ctx, "Failed to record transcription error",
					"message_id", msg.ID, "error", markErr)
			}
			continue
		}
		processed++
	}

	if len(messages) > 0 {
		p.logger.InfoContext(ctx, "Voice pass finished", "pending", len(messages), "transcribed", processed)
	}
	return processed, nil
}

func (p *VoiceProcessor) processOne(ctx context.Context, msg *database.Message) error {
	if !msg.RawContent.Valid {
		return fmt.Errorf("voice message %d has no file reference", msg.ID)
	}

	audio, mimeType, err := p.downloader.DownloadFile(ctx, msg.RawContent.String)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	text, err := p.ai.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}

	if err := p.store.SetMessageEnrichment(ctx, msg.ID, text, nil, database.StatusTranscribed); err != nil {
		return fmt.Errorf("failed to save transcription: %w", err)
	}

	p.logger.DebugContext(ctx, "Voice message transcribed", "message_id", msg.ID, "chars", len(text))
	return nil
}
