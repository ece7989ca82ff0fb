// Package vault persists finished sessions as notes in an Obsidian vault
// through the Local REST API plugin.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/familylog/familylog/internal/config"
)

const (
	requestTimeout  = 30 * time.Second
	maxNoteReadSize = 10 * 1024 * 1024
)

// ObsidianClient talks to the Obsidian Local REST API. All paths are
// vault-relative, e.g. "notes/2024-05-01.md".
type ObsidianClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewObsidianClient creates a client for the configured vault endpoint.
func NewObsidianClient(cfg config.ObsidianConfig) *ObsidianClient {
	return &ObsidianClient{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// ReadNote returns the note's content, or ("", false, nil) when the note
// does not exist.
func (c *ObsidianClient) ReadNote(ctx context.Context, path string) (string, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, "")
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "text/markdown")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("vault read failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("vault read failed: unexpected status %d for %q", resp.StatusCode, path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNoteReadSize))
	if err != nil {
		return "", false, fmt.Errorf("vault read failed: %w", err)
	}
	return string(body), true, nil
}

// WriteNote creates or overwrites a note with the given content.
func (c *ObsidianClient) WriteNote(ctx context.Context, path, content string) error {
	req, err := c.newRequest(ctx, http.MethodPut, path, content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/markdown")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vault write failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vault write failed: unexpected status %d for %q", resp.StatusCode, path)
	}
	return nil
}

// ListNotes returns the markdown files directly under a vault folder. A
// missing folder yields an empty list. Subfolder entries (trailing slash in
// the listing) are skipped.
func (c *ObsidianClient) ListNotes(ctx context.Context, folder string) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, strings.TrimRight(folder, "/")+"/", "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault list failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault list failed: unexpected status %d for %q", resp.StatusCode, folder)
	}

	var listing struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxNoteReadSize)).Decode(&listing); err != nil {
		return nil, fmt.Errorf("vault list failed: malformed response for %q: %w", folder, err)
	}

	var notes []string
	for _, f := range listing.Files {
		if strings.HasSuffix(f, "/") || !strings.HasSuffix(f, ".md") {
			continue
		}
		notes = append(notes, f)
	}
	return notes, nil
}

// AppendNote appends content to an existing note, separated by a blank line.
// A missing note is created. The REST API has no atomic append, so this is a
// read followed by a full write.
func (c *ObsidianClient) AppendNote(ctx context.Context, path, content string) error {
	existing, found, err := c.ReadNote(ctx, path)
	if err != nil {
		return err
	}
	if !found {
		return c.WriteNote(ctx, path, content)
	}
	return c.WriteNote(ctx, path, strings.TrimRight(existing, "\n")+"\n\n"+content)
}

func (c *ObsidianClient) newRequest(ctx context.Context, method, path, body string) (*http.Request, error) {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	endpoint := c.baseURL + "/vault/" + strings.Join(segments, "/")

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build vault request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}
