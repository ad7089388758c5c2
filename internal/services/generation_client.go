package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blockweave/internal/generation"
	"blockweave/internal/models"
)

// GenerationClient talks to the external text generation service over HTTP with
// SSE streaming. It implements generation.Service for block generation and the
// evaluation engine's Simulator for persona turns.
type GenerationClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGenerationClient creates the client. The http.Client timeout stays 0:
// per-call deadlines come from the caller's context, streams can run long.
func NewGenerationClient(baseURL, apiKey string) *GenerationClient {
	return &GenerationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// generateRequest is the wire shape of one generation call.
type generateRequest struct {
	Prompt      string            `json:"prompt"`
	Mode        string            `json:"mode,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	PreAnswers  []models.QAPair   `json:"pre_answers,omitempty"`
	ModelID     string            `json:"model_id,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
	Stream      bool              `json:"stream"`
}

// streamEvent is one SSE data payload from the service.
type streamEvent struct {
	Type    string `json:"type"` // "chunk" or "done"
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Generate streams a completion, invoking onChunk per fragment, and returns the
// assembled final content.
func (c *GenerationClient) Generate(ctx context.Context, req generation.Request, onChunk func(string)) (string, error) {
	body := generateRequest{
		Prompt:      req.Prompt,
		Mode:        req.Mode,
		Context:     req.Context,
		PreAnswers:  req.PreAnswers,
		ModelID:     req.ModelID,
		Instruction: req.Instruction,
		Stream:      true,
	}

	resp, err := c.post(ctx, "/v1/generate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue // malformed keepalive lines are not fatal
		}
		switch event.Type {
		case "chunk":
			content.WriteString(event.Content)
			if onChunk != nil {
				onChunk(event.Content)
			}
		case "done":
			if event.Error != "" {
				return "", fmt.Errorf("%w: %s", generation.ErrGenerationFailed, event.Error)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// Scanner errors during cancellation must surface as the context error so
		// the executor treats the run as cancelled, not failed.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", generation.ClassifyError(err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	return content.String(), nil
}

// Simulate asks the service for one non-streamed persona-perspective response.
func (c *GenerationClient) Simulate(ctx context.Context, persona *models.Persona, instruction, input string) (string, error) {
	prompt := fmt.Sprintf("You are %s. %s", persona.Name, persona.Description)
	if len(persona.Traits) > 0 {
		prompt += "\nTraits: " + strings.Join(persona.Traits, ", ")
	}

	body := generateRequest{
		Prompt:      prompt,
		Mode:        "persona",
		Context:     map[string]string{"input": input},
		Instruction: instruction,
		Stream:      false,
	}

	resp, err := c.post(ctx, "/v1/generate", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Content string `json:"content"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode simulate response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("%w: %s", generation.ErrGenerationFailed, result.Error)
	}
	return result.Content, nil
}

func (c *GenerationClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, generation.ClassifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, generation.ClassifyHTTPError(resp.StatusCode, string(respBody))
	}
	return resp, nil
}
