// ABOUTME: Chat-completions client backing the generation task kinds.
// ABOUTME: OpenAI-compatible request shape with JSON fence cleanup on responses.

package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// LLMConfig configures the chat-completions client.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// LLMClient calls an OpenAI-compatible chat-completions endpoint. It backs
// the follow-up, evaluation, and report task kinds; retries live in the
// gateway, not here.
type LLMClient struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLMClient creates a client. Pass nil to use http.DefaultClient.
func NewLLMClient(cfg LLMConfig, client *http.Client) *LLMClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &LLMClient{cfg: cfg, client: client}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Invoke sends the prompt as a single user message and returns the model's
// text in Result.Text.
func (c *LLMClient) Invoke(ctx context.Context, in Input) (*Result, error) {
	if in.Prompt == "" {
		return nil, TerminalError("missing_input", fmt.Errorf("generation requires a prompt"))
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: in.Prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, TerminalError("bad_request", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, TerminalError("bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, TransientError("transport", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, TransientError("read_body", err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, TerminalError("bad_response", fmt.Errorf("decoding completion: %w", err))
	}
	if len(cr.Choices) == 0 {
		return nil, TerminalError("bad_response", fmt.Errorf("completion has no choices"))
	}

	text := strings.TrimSpace(cr.Choices[0].Message.Content)
	if text == "" {
		return nil, TerminalError("bad_response", fmt.Errorf("completion is empty"))
	}

	return &Result{Text: text}, nil
}

// ExtractJSON strips Markdown code fences from model output and returns the
// JSON payload. Models sometimes wrap JSON in ```json fences.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
	}
	return strings.TrimSpace(text)
}

// DecodeJSON unmarshals model output into v after fence cleanup.
func DecodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(ExtractJSON(text)), v); err != nil {
		return TerminalError("bad_response", fmt.Errorf("parsing model JSON: %w", err))
	}
	return nil
}
