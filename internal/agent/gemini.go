// File: internal/agent/gemini.go
// Description: Gemini-backed decision source. Sends the rendered device state
// to the generateContent endpoint and extracts an action program from the
// reply. Transient API failures are retried with exponential backoff.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
	"github.com/ybeetle8/droidrun-vl/internal/config"
)

// NotesSource exposes the persistent remember() log so past observations can
// ride along with every prompt.
type NotesSource interface {
	Notes() []string
}

// GeminiSource implements schemas.DecisionSource against the Gemini REST API.
type GeminiSource struct {
	goal       string
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	cfg        config.AgentConfig
	notes      NotesSource
}

// -- Gemini API request/response structures (internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiSource initializes the source. The goal is the natural-language
// task every generated program should advance.
func NewGeminiSource(goal string, cfg config.AgentConfig, notes NotesSource, logger *zap.Logger) (*GeminiSource, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if goal == "" {
		return nil, fmt.Errorf("a goal is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &GeminiSource{
		goal:     goal,
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		cfg:      cfg,
		notes:    notes,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("agent.gemini"),
	}, nil
}

// NextProgram renders the snapshot and run history into a prompt, queries the
// model, and extracts the returned program. ok=false means the model could
// not produce a usable program and the loop should stop.
func (s *GeminiSource) NextProgram(ctx context.Context, snap *schemas.DeviceSnapshot, history []*schemas.ExecutionResult) (string, bool) {
	var notes []string
	if s.notes != nil {
		notes = s.notes.Notes()
	}
	userPrompt := buildUserPrompt(s.goal, snap, history, notes)

	raw, err := s.generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		s.logger.Error("Program generation failed", zap.Error(err))
		return "", false
	}

	program, ok := extractProgram(raw)
	if !ok {
		s.logger.Warn("Model reply contained no program", zap.Int("reply_len", len(raw)))
		return "", false
	}
	return program, true
}

func (s *GeminiSource) generate(ctx context.Context, system, user string) (string, error) {
	payload := geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: user}},
			},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{{Text: system}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     s.cfg.Temperature,
			MaxOutputTokens: s.cfg.MaxTokens,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var responseContent string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", s.apiKey)

		startTime := time.Now()
		resp, err := s.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			s.logger.Warn("Network error during model request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return s.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (reason: %s)", candidate.FinishReason)
		}

		s.logger.Info("Program generation complete",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", responsePayload.UsageMetadata.CandidatesTokenCount),
			zap.Int("total_tokens", responsePayload.UsageMetadata.TotalTokenCount),
		)

		responseContent = candidate.Content.Parts[0].Text
		return nil
	}

	if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}

	return responseContent, nil
}

func (s *GeminiSource) handleAPIError(statusCode int, body []byte) error {
	s.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}
