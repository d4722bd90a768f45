// Package intent maps user messages to candidate agent pools. The keyword
// classifier is the default; the model-backed classifier calls the external
// inference service and falls back to keywords on any failure.
package intent

import (
	"context"
	"strings"
)

// Labels is the fixed set of intent labels, in order. support is the default.
var Labels = []string{"support", "billing", "tech", "escalation"}

// intentRow maps a keyword group to an agent pool.
type intentRow struct {
	keywords []string
	agentID  string
}

// intentTable is the canonical keyword routing table. Row order determines
// suggestion order.
var intentTable = []intentRow{
	{[]string{"invoice", "bill", "payment", "refund", "billing"}, "billing"},
	{[]string{"tech", "error", "bug", "install", "troubleshoot"}, "tech"},
	{[]string{"human", "agent", "escalate", "speak to someone"}, "escalation"},
}

// Classifier maps a message to an ordered list of candidate agent ids.
type Classifier interface {
	Classify(ctx context.Context, message string) []string
}

// KeywordClassifier matches keyword substrings against the canonical table.
type KeywordClassifier struct{}

// Classify implements Classifier. Returns ["support"] when nothing matches.
func (KeywordClassifier) Classify(_ context.Context, message string) []string {
	lower := strings.ToLower(message)
	var suggested []string
	for _, row := range intentTable {
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				suggested = append(suggested, row.agentID)
				break
			}
		}
	}
	if len(suggested) == 0 {
		suggested = []string{"support"}
	}
	return suggested
}
