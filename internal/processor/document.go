package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/familylog/familylog/internal/database"
)

// DocumentProcessor turns pending document messages into a metadata summary.
// The file itself is downloaded only to confirm it is still retrievable; its
// contents are not interpreted.
type DocumentProcessor struct {
	store      database.Store
	downloader Downloader
	logger     *slog.Logger
}

// NewDocumentProcessor creates a DocumentProcessor.
func NewDocumentProcessor(store database.Store, downloader Downloader, logger *slog.Logger) *DocumentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentProcessor{
		store:      store,
		downloader: downloader,
		logger:     logger.With("component", "document_processor"),
	}
}

// Process summarizes all pending document messages and returns how many
// succeeded. Failures mark the message error_doc and the pump continues.
func (p *DocumentProcessor) Process(ctx context.Context) (int, error) {
	messages, err := p.store.PendingMessagesByType(ctx, database.TypeDocument)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending document messages: %w", err)
	}

	processed := 0
	for _, msg := range messages {
		if err := p.processOne(ctx, msg); err != nil {
			p.logger.ErrorContext(ctx, "Document processing failed",
				"message_id", msg.ID, "error", err)
			if markErr := p.store.SetMessageError(ctx, msg.ID, database.StatusErrorDoc); markErr != nil {
				p.logger.ErrorContext(ctx, "Failed to record document error",
					"message_id", msg.ID, "error", markErr)
			}
			continue
		}
		processed++
	}

	if len(messages) > 0 {
		p.logger.InfoContext(ctx, "Document pass finished", "pending", len(messages), "summarized", processed)
	}
	return processed, nil
}

func (p *DocumentProcessor) processOne(ctx context.Context, msg *database.Message) error {
	if !msg.RawContent.Valid {
		return fmt.Errorf("document message %d has no file reference", msg.ID)
	}

	if _, _, err := p.downloader.DownloadFile(ctx, msg.RawContent.String); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	if err := p.store.SetMessageEnrichment(ctx, msg.ID, summarizeDocument(msg), nil, database.StatusDescribed); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}

	p.logger.DebugContext(ctx, "Document message summarized", "message_id", msg.ID)
	return nil
}

func summarizeDocument(msg *database.Message) string {
	name := "unnamed file"
	if msg.DocumentFilename.Valid && msg.DocumentFilename.String != "" {
		name = msg.DocumentFilename.String
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Attached file: %s", name)
	if msg.DocumentMimeType.Valid && msg.DocumentMimeType.String != "" {
		fmt.Fprintf(&b, " (%s)", msg.DocumentMimeType.String)
	}
	if msg.Caption.Valid && msg.Caption.String != "" {
		fmt.Fprintf(&b, ". Caption: %s", msg.Caption.String)
	}
	return b.String()
}
