package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deepyad/helpdesk/internal/logging"
)

// ModelClassifier asks the external inference backend for a single-label
// classification over the fixed label set. Low-confidence predictions and
// any backend failure fall back to the keyword classifier.
type ModelClassifier struct {
	url                 string
	confidenceThreshold float64
	httpClient          *http.Client
	fallback            KeywordClassifier
	logger              *logging.Logger
}

// NewModelClassifier creates a classifier backed by the inference service.
func NewModelClassifier(url string, confidenceThreshold float64) *ModelClassifier {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.5
	}
	return &ModelClassifier{
		url:                 url,
		confidenceThreshold: confidenceThreshold,
		httpClient:          &http.Client{Timeout: 5 * time.Second},
		logger:              logging.GetLogger("intent"),
	}
}

type classifyRequest struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, message string) []string {
	label, confidence, err := c.classify(ctx, message)
	if err != nil {
		c.logger.Warn("model classification failed, falling back to keywords: %v", err)
		return c.fallback.Classify(ctx, message)
	}
	if confidence < c.confidenceThreshold || !validLabel(label) {
		return []string{"support"}
	}
	return []string{label}
}

func (c *ModelClassifier) classify(ctx context.Context, message string) (string, float64, error) {
	body, err := json.Marshal(classifyRequest{Text: message, Labels: Labels})
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("inference backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("inference backend returned status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("failed to decode classify response: %w", err)
	}
	return result.Label, result.Confidence, nil
}

func validLabel(label string) bool {
	for _, l := range Labels {
		if l == label {
			return true
		}
	}
	return false
}
