// Package gemini implements the AI collaborators backed by Google's Gemini
// API: voice transcription, photo captioning, markdown note generation and
// periodic vault summaries.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/familylog/familylog/internal/config"
)

// PhotoDescription is the structured result of captioning a photo.
type PhotoDescription struct {
	Caption     string `json:"caption"`
	Description string `json:"description"`
}

// Note is a generated markdown note destined for the vault. Action is
// either NoteActionCreate or NoteActionAppend.
type Note struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Action   string `json:"action"`
}

// Actions a generated note can request.
const (
	NoteActionCreate = "create"
	NoteActionAppend = "append"
)

// Summary is a periodic digest of the vault's recent entries. SummaryText is
// the short chat announcement; Content is the full markdown note archived in
// the vault.
type Summary struct {
	SummaryText string `json:"summary_text"`
	Content     string `json:"content"`
}

// Client defines the AI operations the enrichment and vault components use.
type Client interface {
	// Transcribe converts an audio payload to text.
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)

	// DescribePhoto captions and describes an image. A non-empty userCaption
	// is refined rather than replaced when it matches the image.
	DescribePhoto(ctx context.Context, image []byte, mimeType, userCaption string) (*PhotoDescription, error)

	// GenerateNote turns a session's assembled content into a markdown note
	// with a vault-relative filename and a create/append action.
	GenerateNote(ctx context.Context, intent string, openedAt time.Time, content string) (*Note, error)

	// GenerateSummary digests the vault entries collected since the last run
	// into a chat announcement plus a full markdown note. A zero since means
	// the whole vault history was collected.
	GenerateSummary(ctx context.Context, entries string, since time.Time) (*Summary, error)
}

type sdkClient struct {
	genaiClient *genai.Client
	log         *slog.Logger
	model       string
	visionModel string
	temperature float32
	maxRetries  int
	retryDelay  time.Duration
}

// NewClient creates a Gemini client from config.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized", "model", cfg.Model, "vision_model", cfg.VisionModel)
	return &sdkClient{
		genaiClient: gi,
		log:         logger,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (c *sdkClient) generateWithRetries(ctx context.Context, modelName string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.WarnContext(ctx, "Gemini API call failed, retrying",
					"attempt", i+1, "code", apiErr.Code, "delay", c.retryDelay)
				select {
				case <-time.After(c.retryDelay):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (code %d): %w", c.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

const transcribePrompt = "Transcribe this audio recording verbatim. " +
	"Return only the transcribed text with no commentary, labels or formatting."

func (c *sdkClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 || mimeType == "" {
		return "", fmt.Errorf("audio data and MIME type are required for transcription")
	}
	c.log.DebugContext(ctx, "Transcribing audio", "size", len(audio), "mime_type", mimeType)

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}

	resp, err := c.generateWithRetries(ctx, c.model, contents, &genai.GenerateContentConfig{
		Temperature: &c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text, err := extractText(resp)
	if err != nil {
		return "", fmt.Errorf("transcription returned no usable text: %w", err)
	}
	return text, nil
}

var photoSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"caption":     {Type: genai.TypeString, Description: "A short title for the image, 3-5 words."},
		"description": {Type: genai.TypeString, Description: "A brief but accurate description of the image."},
	},
	Required: []string{"caption", "description"},
}

const describePromptNoCaption = "Provide a brief but accurate description of this photo, " +
	"and a short caption derived from the description."

const describePromptWithCaption = "Provide a brief but accurate description of this photo. " +
	"The user supplied the caption %q: keep it if it matches the image, refine it if it is " +
	"close, replace it only when it clearly does not describe the content."

func (c *sdkClient) DescribePhoto(ctx context.Context, image []byte, mimeType, userCaption string) (*PhotoDescription, error) {
	if len(image) == 0 || mimeType == "" {
		return nil, fmt.Errorf("image data and MIME type are required for description")
	}
	c.log.DebugContext(ctx, "Describing photo", "size", len(image), "mime_type", mimeType, "has_caption", userCaption != "")

	prompt := describePromptNoCaption
	if userCaption != "" {
		prompt = fmt.Sprintf(describePromptWithCaption, userCaption)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, mimeType),
		}, genai.RoleUser),
	}

	resp, err := c.generateWithRetries(ctx, c.visionModel, contents, &genai.GenerateContentConfig{
		Temperature:      &c.temperature,
		ResponseMIMEType: "application/json",
		ResponseSchema:   photoSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("photo description failed: %w", err)
	}

	jsonText, err := extractText(resp)
	if err != nil {
		return nil, fmt.Errorf("photo description returned no usable text: %w", err)
	}

	var desc PhotoDescription
	if err := json.Unmarshal([]byte(jsonText), &desc); err != nil {
		return nil, fmt.Errorf("invalid photo description JSON: %w", err)
	}
	if desc.Description == "" {
		return nil, fmt.Errorf("photo description JSON missing description field")
	}
	return &desc, nil
}

var noteSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"filename": {Type: genai.TypeString, Description: "Vault-relative markdown file path, e.g. 'notes/2025-01-15 groceries.md'."},
		"content":  {Type: genai.TypeString, Description: "The full markdown note body."},
		"action":   {Type: genai.TypeString, Enum: []string{"create", "append"}, Description: "Whether to create the file or append to an existing one."},
	},
	Required: []string{"filename", "content", "action"},
}

const noteSystemInstruction = `You turn a family member's captured messages into a tidy markdown
note for an Obsidian vault. The messages were recorded with intent %q on %s. Compose a single
coherent note: a short descriptive title, then the content reorganized for readability, preserving
every fact. Choose a vault-relative filename appropriate for the intent (notes/, diary/, calendar/
or reminders/ folder, date-prefixed). Use action "append" only for diary entries on an existing
date, otherwise "create".`

func (c *sdkClient) GenerateNote(ctx context.Context, intent string, openedAt time.Time, content string) (*Note, error) {
	if content == "" {
		return nil, fmt.Errorf("cannot generate a note from empty content")
	}
	c.log.DebugContext(ctx, "Generating note", "intent", intent, "content_len", len(content))

	contents := []*genai.Content{genai.NewContentFromText(content, genai.RoleUser)}

	resp, err := c.generateWithRetries(ctx, c.model, contents, &genai.GenerateContentConfig{
		Temperature: &c.temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{
			{Text: fmt.Sprintf(noteSystemInstruction, intent, openedAt.Format("2006-01-02"))},
		}},
		ResponseMIMEType: "application/json",
		ResponseSchema:   noteSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("note generation failed: %w", err)
	}

	jsonText, err := extractText(resp)
	if err != nil {
		return nil, fmt.Errorf("note generation returned no usable text: %w", err)
	}

	var note Note
	if err := json.Unmarshal([]byte(jsonText), &note); err != nil {
		return nil, fmt.Errorf("invalid note JSON: %w", err)
	}
	if note.Filename == "" || note.Content == "" {
		return nil, fmt.Errorf("note JSON missing filename or content")
	}
	if note.Action != NoteActionCreate && note.Action != NoteActionAppend {
		note.Action = NoteActionCreate
	}
	return &note, nil
}

var summarySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary_text": {Type: genai.TypeString, Description: "A short friendly digest suitable for a chat message, a few sentences."},
		"content":      {Type: genai.TypeString, Description: "The full markdown summary note with sections per topic."},
	},
	Required: []string{"summary_text", "content"},
}

const summarySystemInstructionFull = `You summarize a family's journal for its members. Below are
all entries captured in the vault so far, grouped by folder. Produce a warm, factual digest: group
related events, keep dates, skip filler. summary_text is a few sentences for a chat message;
content is a complete markdown note with a heading per topic.`

const summarySystemInstructionSince = `You summarize a family's journal for its members. Below are
the entries captured since %s, grouped by folder. Produce a warm, factual digest: group related
events, keep dates, skip filler. summary_text is a few sentences for a chat message; content is a
complete markdown note with a heading per topic.`

func (c *sdkClient) GenerateSummary(ctx context.Context, entries string, since time.Time) (*Summary, error) {
	if entries == "" {
		return nil, fmt.Errorf("cannot summarize empty input")
	}
	c.log.DebugContext(ctx, "Generating summary", "entries_len", len(entries), "since", since)

	instruction := summarySystemInstructionFull
	if !since.IsZero() {
		instruction = fmt.Sprintf(summarySystemInstructionSince, since.Format("2006-01-02 15:04"))
	}

	contents := []*genai.Content{genai.NewContentFromText(entries, genai.RoleUser)}

	resp, err := c.generateWithRetries(ctx, c.model, contents, &genai.GenerateContentConfig{
		Temperature: &c.temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{
			{Text: instruction},
		}},
		ResponseMIMEType: "application/json",
		ResponseSchema:   summarySchema,
	})
	if err != nil {
		return nil, fmt.Errorf("summary generation failed: %w", err)
	}

	jsonText, err := extractText(resp)
	if err != nil {
		return nil, fmt.Errorf("summary generation returned no usable text: %w", err)
	}

	var summary Summary
	if err := json.Unmarshal([]byte(jsonText), &summary); err != nil {
		return nil, fmt.Errorf("invalid summary JSON: %w", err)
	}
	if summary.SummaryText == "" || summary.Content == "" {
		return nil, fmt.Errorf("summary JSON missing summary_text or content")
	}
	return &summary, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		return "", fmt.Errorf("request blocked by safety filter: %s", reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("response has no candidates or content")
	}

	text := resp.Text()
	if text == "" {
		return "", errors.New("response text is empty")
	}
	return text, nil
}
