// Package telegram wraps the Telegram Bot API for explicit batch polling,
// media file download and outbound notifications. The worker pulls updates
// itself instead of using a handler loop, so the ingest cursor stays under
// the store's control; getUpdates is issued directly over HTTP because the
// bot library keeps polling internal to its own loop.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/familylog/familylog/internal/config"
)

const (
	defaultAPIBase  = "https://api.telegram.org"
	maxDownloadSize = 20 * 1024 * 1024
	maxResponseSize = 10 * 1024 * 1024
)

// Client is a thin wrapper over the Telegram Bot API.
type Client struct {
	bot         *tgbot.Bot
	token       string
	apiBase     string
	httpClient  *http.Client
	pollTimeout time.Duration
	batchLimit  int
	logger      *slog.Logger
}

// NewClient creates a Telegram client from config.
func NewClient(cfg config.TelegramConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_client")

	b, err := tgbot.New(cfg.Token, tgbot.WithSkipGetMe())
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Client{
		bot:     b,
		token:   cfg.Token,
		apiBase: defaultAPIBase,
		// The client timeout must outlast the server-side long poll.
		httpClient:  &http.Client{Timeout: cfg.PollTimeout + 30*time.Second},
		pollTimeout: cfg.PollTimeout,
		batchLimit:  cfg.BatchLimit,
		logger:      log,
	}, nil
}

// updatesResponse is the Bot API envelope for getUpdates.
type updatesResponse struct {
	OK          bool             `json:"ok"`
	Result      []*models.Update `json:"result"`
	ErrorCode   int              `json:"error_code"`
	Description string           `json:"description"`
}

// FetchUpdates long-polls getUpdates for updates with id strictly greater
// than cursor. The server-side poll timeout and batch size are bounded by
// config. Any transport error or non-ok API response is returned as-is;
// retries are the caller's call, per batch.
func (c *Client) FetchUpdates(ctx context.Context, cursor int64) ([]*models.Update, error) {
	form := url.Values{}
	form.Set("offset", strconv.FormatInt(cursor+1, 10))
	form.Set("limit", strconv.Itoa(c.batchLimit))
	form.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create getUpdates request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed updatesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("malformed getUpdates response (status %d): %w", resp.StatusCode, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram getUpdates returned not ok (code %d): %s", parsed.ErrorCode, parsed.Description)
	}

	c.logger.DebugContext(ctx, "Fetched updates", "cursor", cursor, "count", len(parsed.Result))
	return parsed.Result, nil
}

// DownloadFile retrieves file data by Telegram file id and detects its MIME
// type from the content.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (data []byte, mimeType string, err error) {
	if fileID == "" {
		return nil, "", fmt.Errorf("empty file id provided")
	}

	fileObj, err := c.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get file info: %w", err)
	}
	if fileObj.FilePath == "" {
		return nil, "", fmt.Errorf("empty file path returned from Telegram")
	}

	fileURL := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, fileObj.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download file: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close response body: %w", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code %d downloading file", resp.StatusCode)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file data: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("received empty file data")
	}

	return data, http.DetectContentType(data), nil
}

// SendMessage delivers text to a chat, optionally attaching a reply markup.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) error {
	if text == "" {
		return fmt.Errorf("cannot send an empty message")
	}

	_, err := c.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	})
	if err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}

	c.logger.DebugContext(ctx, "Message sent", "chat_id", chatID, "chars", len(text))
	return nil
}

// IntentKeyboard builds a persistent reply keyboard from the marker phrases,
// two buttons per row, so family members can open sessions with one tap.
func IntentKeyboard(phrases []string) models.ReplyMarkup {
	var rows [][]models.KeyboardButton
	for i := 0; i < len(phrases); i += 2 {
		row := []models.KeyboardButton{{Text: phrases[i]}}
		if i+1 < len(phrases) {
			row = append(row, models.KeyboardButton{Text: phrases[i+1]})
		}
		rows = append(rows, row)
	}
	return &models.ReplyKeyboardMarkup{
		Keyboard:       rows,
		ResizeKeyboard: true,
		IsPersistent:   true,
	}
}
