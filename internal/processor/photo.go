package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/familylog/familylog/internal/database"
	"github.com/familylog/familylog/internal/gemini"
)

// PhotoProcessor describes pending photo messages through the vision model.
// The user-supplied caption, when present, is passed along so the model can
// refine it instead of inventing a new one.
type PhotoProcessor struct {
	store      database.Store
	downloader Downloader
	ai         gemini.Client
	logger     *slog.Logger
}

// NewPhotoProcessor creates a PhotoProcessor.
func NewPhotoProcessor(store database.Store, downloader Downloader, ai gemini.Client, logger *slog.Logger) *PhotoProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhotoProcessor{
		store:      store,
		downloader: downloader,
		ai:         ai,
		logger:     logger.With("component", "photo_processor"),
	}
}

// Process describes all pending photo messages and returns how many
// succeeded. Failures mark the message error_vision and the pump continues.
func (p *PhotoProcessor) Process(ctx context.Context) (int, error) {
	messages, err := p.store.PendingMessagesByType(ctx, database.TypePhoto)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending photo messages: %w", err)
	}

	processed := 0
	for _, msg := range messages {
		if err := p.processOne(ctx, msg); err != nil {
			p.logger.ErrorContext(ctx, "Photo description failed",
				"message_id", msg.ID, "error", err)
			if markErr := p.store.SetMessageError(ctx, msg.ID, database.StatusErrorVision); markErr != nil {
				p.logger.ErrorContext(ctx, "Failed to record vision error",
					"message_id", msg.ID, "error", markErr)
			}
			continue
		}
		processed++
	}

	if len(messages) > 0 {
		p.logger.InfoContext(ctx, "Photo pass finished", "pending", len(messages), "described", processed)
	}
	return processed, nil
}

func (p *PhotoProcessor) processOne(ctx context.Context, msg *database.Message) error {
	if !msg.RawContent.Valid {
		return fmt.Errorf("photo message %d has no file reference", msg.ID)
	}

	image, mimeType, err := p.downloader.DownloadFile(ctx, msg.RawContent.String)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	desc, err := p.ai.DescribePhoto(ctx, image, mimeType, msg.Caption.String)
	if err != nil {
		return fmt.Errorf("description failed: %w", err)
	}

	text := fmt.Sprintf("Caption: %s. Description: %s", desc.Caption, desc.Description)
	if err := p.store.SetMessageEnrichment(ctx, msg.ID, text, &desc.Caption, database.StatusDescribed); err != nil {
		return fmt.Errorf("failed to save description: %w", err)
	}

	p.logger.DebugContext(ctx, "Photo message described", "message_id", msg.ID, "caption", desc.Caption)
	return nil
}
