// Package pipeline runs the message pipeline end to end: collect updates,
// enrich media, close idle sessions, assemble their text and deliver the
// result to the vault.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Stage is any pass that processes a batch of work and reports how much it
// handled.
type Stage interface {
	Process(ctx context.Context) (int, error)
}

// Ingester pulls updates from Telegram and sweeps idle sessions.
type Ingester interface {
	Collect(ctx context.Context) (int, error)
	SweepIdleSessions(ctx context.Context) (int64, error)
}

// Pipeline wires the stages together. Collection runs first and assembly
// runs after enrichment, so a session assembled in one run includes every
// enrichment produced earlier in the same run.
type Pipeline struct {
	ingest    Ingester
	voice     Stage
	photos    Stage
	documents Stage
	assembler Stage
	vault     Stage
	logger    *slog.Logger
}

// New creates a Pipeline. Every stage is required.
func New(ingest Ingester, voice, photos, documents, assembler, vault Stage, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		ingest:    ingest,
		voice:     voice,
		photos:    photos,
		documents: documents,
		assembler: assembler,
		vault:     vault,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run executes one full pipeline pass. Collection errors abort the run since
// later stages would see a partial batch; enrichment and delivery stages
// already isolate their per-item failures and only return infrastructure
// errors.
func (p *Pipeline) Run(ctx context.Context) error {
	collected, err := p.ingest.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collection failed: %w", err)
	}

	// The enrichment pumps touch disjoint message types, so they can run
	// concurrently against the same store.
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []struct {
		name  string
		stage Stage
	}{
		{"voice", p.voice},
		{"photos", p.photos},
		{"documents", p.documents},
	} {
		g.Go(func() error {
			if _, err := s.stage.Process(gctx); err != nil {
				return fmt.Errorf("%s stage failed: %w", s.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	swept, err := p.ingest.SweepIdleSessions(ctx)
	if err != nil {
		return fmt.Errorf("session sweep failed: %w", err)
	}

	assembled, err := p.assembler.Process(ctx)
	if err != nil {
		return fmt.Errorf("assembly stage failed: %w", err)
	}

	written, err := p.vault.Process(ctx)
	if err != nil {
		return fmt.Errorf("vault stage failed: %w", err)
	}

	p.logger.InfoContext(ctx, "Pipeline run finished",
		"collected", collected, "swept", swept, "assembled", assembled, "written", written)
	return nil
}
