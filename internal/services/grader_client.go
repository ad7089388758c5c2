package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blockweave/internal/evaluation"
	"blockweave/internal/generation"
)

// GraderClient calls the external grading service. It implements the evaluation
// engine's Grader interface.
type GraderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGraderClient creates the client. Grading calls are bounded: a single rubric
// evaluation should not run longer than two minutes.
func NewGraderClient(baseURL, apiKey string) *GraderClient {
	return &GraderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type scoreRequest struct {
	GraderID string `json:"grader_id"`
	Content  string `json:"content"`
	Probe    string `json:"probe,omitempty"`
}

type scoreResponse struct {
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Comment         string             `json:"comment,omitempty"`
	Evidence        []string           `json:"evidence,omitempty"`
	Suggestions     []string           `json:"suggestions,omitempty"`
	InputTokens     int                `json:"input_tokens,omitempty"`
	OutputTokens    int                `json:"output_tokens,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// Score runs one grader over the content bundle.
func (c *GraderClient) Score(ctx context.Context, graderID, content, probe string) (*evaluation.GraderScore, error) {
	data, err := json.Marshal(scoreRequest{GraderID: graderID, Content: content, Probe: probe})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
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
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, generation.ClassifyHTTPError(resp.StatusCode, string(body))
	}

	var result scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("grader %s: %s", graderID, result.Error)
	}
	if len(result.DimensionScores) == 0 {
		return nil, fmt.Errorf("grader %s returned no dimension scores", graderID)
	}

	return &evaluation.GraderScore{
		DimensionScores: result.DimensionScores,
		Comment:         result.Comment,
		Evidence:        result.Evidence,
		Suggestions:     result.Suggestions,
		InputTokens:     result.InputTokens,
		OutputTokens:    result.OutputTokens,
	}, nil
}
