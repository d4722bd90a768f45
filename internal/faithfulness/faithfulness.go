// Package faithfulness scores agent replies against their retrieved context.
// The supervisor escalates replies scoring below the configured threshold.
package faithfulness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deepyad/helpdesk/internal/logging"
)

// maxSegmentLen bounds how much of the response and context is sent to the
// scoring model.
const maxSegmentLen = 500

// Scorer rates how grounded a response is in the retrieved context.
// Scores are in [0,1]; higher means more grounded. Implementations never
// fail: scoring errors degrade to 1.0 (no gate).
type Scorer interface {
	Score(ctx context.Context, response, context_ string) float64
}

// NullScorer always returns 1.0, disabling the faithfulness gate.
type NullScorer struct{}

// Score implements Scorer.
func (NullScorer) Score(context.Context, string, string) float64 { return 1.0 }

// ModelScorer calls the external inference backend for a score. Any load or
// inference failure transparently delegates to the null scorer.
type ModelScorer struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
	fallback   NullScorer
}

// NewModelScorer creates a scorer backed by the inference service at url.
func NewModelScorer(url string) *ModelScorer {
	return &ModelScorer{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logging.GetLogger("faithfulness"),
	}
}

type scoreRequest struct {
	Input string `json:"input"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score implements Scorer.
func (s *ModelScorer) Score(ctx context.Context, response, context_ string) float64 {
	score, err := s.score(ctx, response, context_)
	if err != nil {
		s.logger.Warn("model scoring failed, falling back to null scorer: %v", err)
		return s.fallback.Score(ctx, response, context_)
	}
	return score
}

func (s *ModelScorer) score(ctx context.Context, response, context_ string) (float64, error) {
	body, err := json.Marshal(scoreRequest{Input: FormatInput(response, context_)})
	if err != nil {
		return 0, fmt.Errorf("failed to encode score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("inference backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("inference backend returned status %d", resp.StatusCode)
	}

	var result scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode score response: %w", err)
	}
	if result.Score < 0 || result.Score > 1 {
		return 0, fmt.Errorf("inference backend returned out-of-range score %f", result.Score)
	}
	return result.Score, nil
}

// FormatInput builds the single-string model input from a (response, context)
// pair. Both segments are clipped to keep the input bounded.
func FormatInput(response, context_ string) string {
	return "[RESPONSE] " + clip(response) + " [CONTEXT] " + clip(context_)
}

func clip(s string) string {
	if len(s) > maxSegmentLen {
		return s[:maxSegmentLen]
	}
	return s
}
