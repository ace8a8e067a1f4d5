// ABOUTME: HTTP clients for the transcription and video-signal analysis services.
// ABOUTME: POST raw media bytes, decode typed results, classify errors by status.

package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// TranscriptionClient calls the speech-to-text service.
type TranscriptionClient struct {
	url    string
	client *http.Client
}

// NewTranscriptionClient creates a client for the given endpoint. Pass nil
// to use http.DefaultClient; per-call deadlines come from the gateway.
func NewTranscriptionClient(url string, client *http.Client) *TranscriptionClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &TranscriptionClient{url: url, client: client}
}

// Invoke posts the utterance payload and decodes the transcription result.
func (c *TranscriptionClient) Invoke(ctx context.Context, in Input) (*Result, error) {
	if in.Utterance == nil {
		return nil, TerminalError("missing_input", fmt.Errorf("transcription requires an utterance"))
	}

	body, err := postMedia(ctx, c.client, c.url, in.Utterance.Payload)
	if err != nil {
		return nil, err
	}

	var tr TranscriptionResult
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, TerminalError("bad_response", fmt.Errorf("decoding transcription response: %w", err))
	}
	return &Result{Kind: KindTranscription, Transcription: &tr}, nil
}

// VideoSignalClient calls the facial/gesture analysis service.
type VideoSignalClient struct {
	url    string
	client *http.Client
}

// NewVideoSignalClient creates a client for the given endpoint.
func NewVideoSignalClient(url string, client *http.Client) *VideoSignalClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &VideoSignalClient{url: url, client: client}
}

// Invoke posts the utterance payload and decodes the video-signal result.
func (c *VideoSignalClient) Invoke(ctx context.Context, in Input) (*Result, error) {
	if in.Utterance == nil {
		return nil, TerminalError("missing_input", fmt.Errorf("video analysis requires an utterance"))
	}

	body, err := postMedia(ctx, c.client, c.url, in.Utterance.Payload)
	if err != nil {
		return nil, err
	}

	var vr VideoSignalResult
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, TerminalError("bad_response", fmt.Errorf("decoding video analysis response: %w", err))
	}
	return &Result{Kind: KindVideoSignal, VideoSignal: &vr}, nil
}

// postMedia sends raw bytes to a service endpoint and returns the response
// body, classifying failures per the shared service contract.
func postMedia(ctx context.Context, client *http.Client, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, TerminalError("bad_request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		// Transport failures (refused connection, reset, deadline) are
		// retryable against an idempotent analysis call.
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
	return body, nil
}

// classifyStatus maps HTTP status codes onto the transient/terminal split:
// 429 and 5xx are retryable, any other non-2xx is a permanent rejection.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return TransientError("rate_limited", fmt.Errorf("status %d: %s", status, truncate(body)))
	case status >= 500:
		return TransientError("server_error", fmt.Errorf("status %d: %s", status, truncate(body)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return TerminalError("auth_failed", fmt.Errorf("status %d: %s", status, truncate(body)))
	default:
		return TerminalError("rejected", fmt.Errorf("status %d: %s", status, truncate(body)))
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
