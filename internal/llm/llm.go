// Package llm talks to OpenAI-compatible endpoints for dialogue, answer
// evaluation, transcription and speech.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pavelanni/oralexam/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrNoChoices is returned when the API answers without a completion.
	ErrNoChoices = errors.New("LLM returned no choices")
	// ErrInvalidEvaluation marks an evaluation response that is not a JSON object.
	ErrInvalidEvaluation = errors.New("invalid evaluation response")
)

// DialogueRequest is one coach reply request.
type DialogueRequest struct {
	System    string
	History   []model.Message
	Learner   string
	MaxTokens int
	Fast      bool // use the low-latency model
}

// Dialogue generates the coach's free-text reply.
type Dialogue interface {
	Reply(ctx context.Context, req DialogueRequest) (string, error)
}

// Evaluation is a scoring response. Payload is the decoded JSON object and
// is the only part scoring consumes; the reported score and pass flag are
// informational and recomputed locally.
type Evaluation struct {
	Raw              string         `json:"-"`
	Payload          map[string]any `json:"-"`
	Validated        bool           `json:"-"`
	ValidationErrors []string       `json:"-"`

	ReportedScore   float64  `json:"score"`
	ReportedPassed  bool     `json:"passed"`
	Feedback        string   `json:"feedback"`
	Corrections     []string `json:"corrections"`
	Suggestions     []string `json:"suggestions"`
	LevelAssessment string   `json:"level_assessment"`
}

// Evaluator scores one learner answer. A response that parses but fails
// schema validation is returned with Validated false and no error.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string) (*Evaluation, error)
}

// Transcript is the result of speech-to-text.
type Transcript struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcription failure kinds.
const (
	TranscriptionEmptyAudio = "empty_audio"
	TranscriptionAPI        = "api"
	TranscriptionEmptyText  = "empty_text"
)

// TranscriptionError is the typed failure of Transcribe.
type TranscriptionError struct {
	Kind string
	Err  error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return "transcription failed: " + e.Kind
	}
	return "transcription failed: " + e.Kind + ": " + e.Err.Error()
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Transcriber converts learner audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, lang string) (*Transcript, error)
}

// Synthesizer converts coach text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config selects models for each capability.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string // dialogue
	FastModel       string // low-latency dialogue; falls back to Model
	EvalModel       string // falls back to Model
	TranscribeModel string
	SpeechModel     string
	Voice           string
	Logger          *slog.Logger
}

// Client wraps an OpenAI-compatible API client. It implements Dialogue,
// Evaluator, Transcriber and Synthesizer.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a new LLM client.
func New(cfg Config) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.FastModel == "" {
		cfg.FastModel = cfg.Model
	}
	if cfg.EvalModel == "" {
		cfg.EvalModel = cfg.Model
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = openai.Whisper1
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    openai.NewClientWithConfig(config),
		cfg:    cfg,
		logger: logger,
	}
}

// Reply sends the system framing, bounded history and learner turn and
// returns the coach's reply.
func (c *Client) Reply(ctx context.Context, req DialogueRequest) (string, error) {
	chatMsgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleCoach {
			role = openai.ChatMessageRoleAssistant
		}
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if req.Learner != "" {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: "<candidate-answer>\n" + req.Learner + "\n</candidate-answer>",
		})
	}

	modelName := c.cfg.Model
	if req.Fast {
		modelName = c.cfg.FastModel
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               modelName,
		Messages:            chatMsgs,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         0.7,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrNoChoices
	}
	return reply, nil
}

// Evaluate sends an evaluation prompt, which already embeds the learner
// answer, and validates the JSON reply against the evaluation schema.
func (c *Client) Evaluate(ctx context.Context, prompt string) (*Evaluation, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.EvalModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: "Score the candidate answer. Reply with the JSON object only."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM evaluation call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	c.logger.Debug("LLM evaluation response", "raw", raw)
	return ParseEvaluation(raw)
}

// ParseEvaluation decodes and validates a raw evaluation response. Code
// fences around the JSON are tolerated.
func ParseEvaluation(raw string) (*Evaluation, error) {
	ev := &Evaluation{Raw: raw}
	body := stripFences(raw)

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
	}
	ev.Payload = payload
	ev.ValidationErrors = validateEvaluation(payload)
	ev.Validated = len(ev.ValidationErrors) == 0

	// Best effort: typed fields of a legacy payload may not decode.
	_ = json.Unmarshal([]byte(body), ev)
	return ev, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Transcribe sends audio to the speech-to-text endpoint. Every failure is a
// *TranscriptionError.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename, lang string) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, &TranscriptionError{Kind: TranscriptionEmptyAudio}
	}
	if filename == "" {
		filename = "turn.webm"
	}
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscribeModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, &TranscriptionError{Kind: TranscriptionAPI, Err: err}
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, &TranscriptionError{Kind: TranscriptionEmptyText}
	}
	return &Transcript{Text: text, Language: resp.Language, Duration: resp.Duration}, nil
}

// Synthesize returns MP3 audio of text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Close()
	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	return audio, nil
}
