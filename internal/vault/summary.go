package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/familylog/familylog/internal/gemini"
)

// NoteLibrary is the vault side of an Obsidian client as the summarizer sees
// it: listing, reading and writing notes.
type NoteLibrary interface {
	ListNotes(ctx context.Context, folder string) ([]string, error)
	ReadNote(ctx context.Context, path string) (string, bool, error)
	WriteNote(ctx context.Context, path, content string) error
}

// Notifier announces a finished digest to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

const (
	summaryMarkerPath = "_system/LAST_SUMMARY.md"
	markerTimeLayout  = "2006-01-02 15:04"
	summaryFolder     = "summaries"

	// Long entries are clipped before they reach the model.
	maxEntryChars = 2000
)

// summaryFolders are the vault folders the digest draws from. The summaries
// folder itself is deliberately not among them.
var summaryFolders = []string{"notes", "diary", "calendar", "reminders"}

// Summarizer periodically digests the vault's recent entries into a summary
// note and announces it to the family chats. The last run time lives in a
// marker note inside the vault itself, so the digest window survives worker
// restarts and database resets.
type Summarizer struct {
	notes    NoteLibrary
	ai       gemini.Client
	notifier Notifier
	chatIDs  []int64
	now      func() time.Time
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer. notifier may be nil when no chats
// should be announced to.
func NewSummarizer(notes NoteLibrary, ai gemini.Client, notifier Notifier, chatIDs []int64, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		notes:    notes,
		ai:       ai,
		notifier: notifier,
		chatIDs:  chatIDs,
		now:      time.Now,
		logger:   logger.With("component", "summarizer"),
	}
}

// Run produces one digest covering everything since the previous run. When
// nothing new was captured, the marker still advances and no note or
// announcement is produced.
func (s *Summarizer) Run(ctx context.Context) error {
	since, err := s.lastRun(ctx)
	if err != nil {
		return err
	}

	entries, count, err := s.collectEntries(ctx, since)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if count == 0 {
		s.logger.InfoContext(ctx, "No new vault entries to summarize", "since", since)
		return s.saveMarker(ctx, now)
	}

	summary, err := s.ai.GenerateSummary(ctx, entries, since)
	if err != nil {
		return fmt.Errorf("summary generation failed: %w", err)
	}

	notePath := fmt.Sprintf("%s/%s_summary.md", summaryFolder, now.Format("2006-01-02"))
	if err := s.notes.WriteNote(ctx, notePath, summary.Content); err != nil {
		return fmt.Errorf("failed to write summary note: %w", err)
	}
	if err := s.saveMarker(ctx, now); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Summary written", "note", notePath, "entries", count, "since", since)
	s.announce(ctx, summary.SummaryText)
	return nil
}

func (s *Summarizer) announce(ctx context.Context, text string) {
	if s.notifier == nil || len(s.chatIDs) == 0 {
		return
	}
	message := "📊 FamilyLog summary\n\n" + text
	for _, chatID := range s.chatIDs {
		if err := s.notifier.Notify(ctx, chatID, message); err != nil {
			s.logger.ErrorContext(ctx, "Failed to announce summary", "chat_id", chatID, "error", err)
			continue
		}
	}
}

// lastRun reads the marker note. A missing or unparseable marker yields a
// zero time, which means the digest covers the whole vault.
func (s *Summarizer) lastRun(ctx context.Context) (time.Time, error) {
	content, found, err := s.notes.ReadNote(ctx, summaryMarkerPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read summary marker: %w", err)
	}
	if !found {
		return time.Time{}, nil
	}

	for _, line := range strings.Split(content, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "last_run:")
		if !ok {
			continue
		}
		at, err := time.Parse(markerTimeLayout, strings.TrimSpace(value))
		if err != nil {
			s.logger.WarnContext(ctx, "Unparseable summary marker, covering full history", "value", value)
			return time.Time{}, nil
		}
		return at.UTC(), nil
	}
	return time.Time{}, nil
}

func (s *Summarizer) saveMarker(ctx context.Context, at time.Time) error {
	content := fmt.Sprintf("# Summary marker\n\nlast_run: %s\n", at.Format(markerTimeLayout))
	if err := s.notes.WriteNote(ctx, summaryMarkerPath, content); err != nil {
		return fmt.Errorf("failed to save summary marker: %w", err)
	}
	return nil
}

// collectEntries gathers notes changed since the window start, grouped by
// folder, formatted as one markdown document for the model. It also returns
// the number of entries included.
func (s *Summarizer) collectEntries(ctx context.Context, since time.Time) (string, int, error) {
	var doc strings.Builder
	count := 0

	for _, folder := range summaryFolders {
		files, err := s.notes.ListNotes(ctx, folder)
		if err != nil {
			return "", 0, fmt.Errorf("failed to list vault folder %q: %w", folder, err)
		}

		var section strings.Builder
		for _, file := range files {
			path := folder + "/" + file
			content, found, err := s.notes.ReadNote(ctx, path)
			if err != nil {
				return "", 0, fmt.Errorf("failed to read vault note %q: %w", path, err)
			}
			if !found {
				continue
			}

			at, body := noteTimestamp(file, content)
			// Undated notes only make the very first, full-history digest;
			// afterwards they would repeat in every window.
			if !since.IsZero() && (at.IsZero() || at.Before(since)) {
				continue
			}

			body = strings.TrimSpace(body)
			if body == "" {
				continue
			}
			if len(body) > maxEntryChars {
				body = body[:maxEntryChars] + "\n[clipped]"
			}
			fmt.Fprintf(&section, "### %s\n%s\n\n", file, body)
			count++
		}

		if section.Len() > 0 {
			fmt.Fprintf(&doc, "## %s\n\n%s", folder, section.String())
		}
	}

	return doc.String(), count, nil
}

var noteDateLayouts = []string{"2006-01-02 15:04", "2006-01-02"}

// noteTimestamp extracts a note's change time, preferring the frontmatter
// updated then created keys, falling back to the date prefix the note
// generator puts in filenames. It also returns the content with frontmatter
// stripped.
func noteTimestamp(filename, content string) (time.Time, string) {
	body := content
	var created, updated string

	if after, ok := strings.CutPrefix(content, "---\n"); ok {
		if end := strings.Index(after, "\n---"); end >= 0 {
			for _, line := range strings.Split(after[:end], "\n") {
				if value, ok := strings.CutPrefix(line, "created:"); ok {
					created = strings.TrimSpace(value)
				}
				if value, ok := strings.CutPrefix(line, "updated:"); ok {
					updated = strings.TrimSpace(value)
				}
			}
			body = strings.TrimPrefix(after[end+len("\n---"):], "\n")
		}
	}

	for _, value := range []string{updated, created} {
		if value == "" {
			continue
		}
		for _, layout := range noteDateLayouts {
			if at, err := time.Parse(layout, value); err == nil {
				return at.UTC(), body
			}
		}
	}

	if len(filename) >= len("2006-01-02") {
		if at, err := time.Parse("2006-01-02", filename[:len("2006-01-02")]); err == nil {
			return at.UTC(), body
		}
	}
	return time.Time{}, body
}
