package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-telegram/bot/models"
	"github.com/jmoiron/sqlx"

	"github.com/familylog/familylog/internal/collector"
	"github.com/familylog/familylog/internal/config"
	"github.com/familylog/familylog/internal/database"
	"github.com/familylog/familylog/internal/gemini"
	"github.com/familylog/familylog/internal/logger"
	"github.com/familylog/familylog/internal/pipeline"
	"github.com/familylog/familylog/internal/processor"
	"github.com/familylog/familylog/internal/telegram"
	"github.com/familylog/familylog/internal/vault"

	_ "modernc.org/sqlite"
)

// app holds every wired component. Commands build the whole graph even when
// they exercise only part of it, so misconfiguration surfaces at startup
// rather than mid-run.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	db         *sqlx.DB
	store      database.Store
	telegram   *telegram.Client
	collector  *collector.Collector
	voice      *processor.VoiceProcessor
	photos     *processor.PhotoProcessor
	documents  *processor.DocumentProcessor
	assembler  *processor.Assembler
	writer     *vault.Writer
	summarizer *vault.Summarizer
	pipeline   *pipeline.Pipeline
}

// chatNotifier sends vault announcements through Telegram, attaching the
// persistent intent keyboard so the markers stay one tap away.
type chatNotifier struct {
	tg     *telegram.Client
	markup models.ReplyMarkup
}

func (n *chatNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	return n.tg.SendMessage(ctx, chatID, text, n.markup)
}

// markerPhrases returns the configured marker phrases in a stable order.
func markerPhrases(markers map[string]string) []string {
	phrases := make([]string, 0, len(markers))
	for phrase := range markers {
		phrases = append(phrases, phrase)
	}
	sort.Strings(phrases)
	return phrases
}

// newApp loads configuration and wires all components. The caller must Close.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", cfg.Database.Path, err)
	}
	store := database.NewStore(db, log)

	tg, err := telegram.NewClient(cfg.Telegram, log)
	if err != nil {
		database.CloseDB(db)
		return nil, fmt.Errorf("failed to create Telegram client: %w", err)
	}

	ai, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		database.CloseDB(db)
		return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
	}

	markers := collector.NewMarkers(cfg.Ingest.Markers)
	coll := collector.New(tg, store, markers, cfg.Ingest.SessionTimeout, log)

	voice := processor.NewVoiceProcessor(store, tg, ai, log)
	photos := processor.NewPhotoProcessor(store, tg, ai, log)
	documents := processor.NewDocumentProcessor(store, tg, log)
	assembler := processor.NewAssembler(store, log)

	notes := vault.NewObsidianClient(cfg.Obsidian)
	writer := vault.NewWriter(store, ai, notes, log)

	notifier := &chatNotifier{tg: tg, markup: telegram.IntentKeyboard(markerPhrases(cfg.Ingest.Markers))}
	summarizer := vault.NewSummarizer(notes, ai, notifier, cfg.Summary.ChatIDs, log)

	pipe := pipeline.New(coll, voice, photos, documents, assembler, writer, log)

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		store:      store,
		telegram:   tg,
		collector:  coll,
		voice:      voice,
		photos:     photos,
		documents:  documents,
		assembler:  assembler,
		writer:     writer,
		summarizer: summarizer,
		pipeline:   pipe,
	}, nil
}

func (a *app) Close() {
	database.CloseDB(a.db)
}
