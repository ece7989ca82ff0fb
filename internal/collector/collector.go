// Package collector implements the ingestion core: polling the Telegram
// update stream, classifying raw updates, correlating messages into
// per-author intent sessions, and advancing the ingest cursor exactly once
// per durably applied update.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/familylog/familylog/internal/database"
)

// UpdateSource fetches raw updates with id strictly greater than cursor,
// in increasing id order. Implemented by the telegram client.
type UpdateSource interface {
	FetchUpdates(ctx context.Context, cursor int64) ([]*models.Update, error)
}

// Collector runs the fetch -> classify -> correlate loop.
type Collector struct {
	source     UpdateSource
	store      database.Store
	correlator *Correlator
	markers    Markers
	logger     *slog.Logger
}

// New creates a Collector.
func New(source UpdateSource, store database.Store, markers Markers, sessionTimeout time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:     source,
		store:      store,
		correlator: NewCorrelator(store, sessionTimeout, logger),
		markers:    markers,
		logger:     logger.With("component", "collector"),
	}
}

// Collect runs one fetch-and-apply pass and returns the number of messages
// stored. Each update's side effects and the cursor advance commit in one
// transaction, in increasing update id order, so a crash mid-batch resumes
// from the last fully applied update. A transport error aborts the pass
// before anything is applied; a persistence error aborts it after the
// preceding updates have already committed.
func (c *Collector) Collect(ctx context.Context) (int, error) {
	cursor, err := c.cursor(ctx)
	if err != nil {
		return 0, err
	}

	updates, err := c.source.FetchUpdates(ctx, cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch updates: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}

	saved := 0
	for _, update := range updates {
		if update == nil {
			continue
		}
		if update.ID <= cursor {
			// Stale replay from the server; already applied.
			c.logger.WarnContext(ctx, "Skipping update at or behind cursor",
				"update_id", update.ID, "cursor", cursor)
			continue
		}

		stored, err := c.applyUpdate(ctx, update)
		if err != nil {
			// The offending update's transaction rolled back; its cursor was
			// not advanced and it will be re-fetched next run.
			return saved, fmt.Errorf("failed to apply update %d: %w", update.ID, err)
		}
		if stored {
			saved++
		}
		cursor = update.ID
	}

	c.logger.InfoContext(ctx, "Collect pass finished", "updates", len(updates), "messages_saved", saved)
	return saved, nil
}

// applyUpdate classifies one update and commits its effects together with
// the cursor advance. Returns whether a message row was stored.
func (c *Collector) applyUpdate(ctx context.Context, update *models.Update) (bool, error) {
	cls := Classify(update, c.markers)

	stored := false
	err := c.store.Transact(ctx, func(st database.Store) error {
		switch cls.Kind {
		case KindSkip:
			c.logger.DebugContext(ctx, "Skipping update", "update_id", update.ID, "reason", cls.Reason)

		case KindMarker:
			if err := c.correlator.applyMarker(ctx, st, cls); err != nil {
				return err
			}

		case KindContent:
			inserted, err := c.correlator.applyContent(ctx, st, cls.Message)
			if err != nil {
				return err
			}
			stored = inserted

		default:
			return fmt.Errorf("unhandled classification kind %d", cls.Kind)
		}

		return st.SetSetting(ctx, database.SettingLastUpdateID, strconv.FormatInt(update.ID, 10))
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// SweepIdleSessions closes open sessions idle past the configured timeout.
func (c *Collector) SweepIdleSessions(ctx context.Context) (int64, error) {
	return c.correlator.SweepIdleSessions(ctx)
}

func (c *Collector) cursor(ctx context.Context) (int64, error) {
	raw, err := c.store.GetSetting(ctx, database.SettingLastUpdateID)
	if err != nil {
		return 0, fmt.Errorf("failed to read ingest cursor: %w", err)
	}
	if raw == "" {
		return 0, nil
	}

	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt ingest cursor %q: %w", raw, err)
	}
	return cursor, nil
}
