// Package openai implements ai.Corrector against the OpenAI chat/completions
// API. Any transport, decode, or validation failure is reported as an error;
// the pipeline degrades those to unmodified records.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"labelops/internal/ai"
	"labelops/internal/parser"
)

// Config for the OpenAI client.
type Config struct {
	APIKey      string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // e.g. "gpt-4o-mini"
	Temperature float32       // 0..2
	Timeout     time.Duration // http client timeout
	RedactNames bool          // strip name fields from request payloads
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not set (OPENAI_API_KEY)")
	}
	if os.Getenv("AI_REDACT_NAMES") == "1" {
		cfg.RedactNames = true
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Suggest asks the model for field-level corrections and validates the reply
// against the suggestion schema before returning it.
func (c *Client) Suggest(ctx context.Context, rec parser.Record) (ai.Result, error) {
	rid := uuid.New().String()
	start := time.Now()

	schema := ai.BuildSuggestionSchema()
	payload := ai.Payload(rec, c.cfg.RedactNames)

	c.logger.Info("ai.suggest.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"redact_names", c.cfg.RedactNames,
	)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt()},
			{"role": "user", "content": userPrompt(payload)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.logger.Error("ai.suggest.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return ai.Result{}, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return ai.Result{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return ai.Result{}, fmt.Errorf("no choices in openai response")
	}

	content, err := ai.ExtractJSON(cc.Choices[0].Message.Content)
	if err != nil {
		return ai.Result{}, err
	}

	if err := ai.ValidateJSONAgainstSchema(schema, content); err != nil {
		cleaned, dropped, sErr := ai.SanitizeReply(content)
		if sErr != nil {
			return ai.Result{}, fmt.Errorf("sanitize failed: %w", sErr)
		}
		if vErr := ai.ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			return ai.Result{}, fmt.Errorf("schema validation failed: %w", vErr)
		}
		c.logger.Warn("ai.suggest.sanitize_applied", "req_id", rid, "dropped", dropped)
		content = cleaned
	}

	var reply struct {
		Suggestions []ai.Suggestion `json:"suggestions"`
		OverallRisk string          `json:"overall_risk"`
	}
	if err := json.Unmarshal(content, &reply); err != nil {
		return ai.Result{}, fmt.Errorf("unmarshal suggestions: %w", err)
	}

	c.logger.Info("ai.suggest.ok",
		"req_id", rid,
		"suggestions", len(reply.Suggestions),
		"risk", reply.OverallRisk,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return ai.Result{Suggestions: reply.Suggestions, Risk: reply.OverallRisk}, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai http error: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warn("openai response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func systemPrompt() string {
	return strings.Join([]string{
		"You are an address correction assistant.",
		"Do NOT invent missing fields.",
		"Only suggest changes when you are highly confident.",
		"Return ONLY JSON that matches the JSON Schema provided.",
		"Classify overall_risk as low only when every suggestion is a safe, obvious fix (typo, casing, postcode format).",
	}, " ")
}

func userPrompt(payload map[string]string) string {
	var b strings.Builder
	b.WriteString("Record:\n")
	b.WriteString(mustJSON(payload))
	return b.String()
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
