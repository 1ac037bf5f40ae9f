package ai

import (
	"context"
	"strings"

	"ok-monitor/models"
)

// LowConfidenceThreshold is the score below which a non-uncertain result is
// downgraded to uncertain.
const LowConfidenceThreshold = 0.6

// Classifier evaluates one capture image. Implementations are remote model
// clients or the consensus wrapper combining two of them.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (models.Classification, error)

	// SetNormalDescription pushes the shared baseline description of a
	// normal capture into the model's prompt. The consensus wrapper
	// forwards it to both children.
	SetNormalDescription(text string)
}

// NormalizeState maps free-form model output onto the three known states.
func NormalizeState(value string) string {
	label := strings.ToLower(strings.TrimSpace(value))
	switch label {
	case models.StateNormal, models.StateAbnormal, models.StateUncertain:
		return label
	}
	if strings.Contains(label, "abnormal") || strings.Contains(label, "alert") {
		return models.StateAbnormal
	}
	for _, term := range []string{"uncertain", "unknown", "unexpected"} {
		if strings.Contains(label, term) {
			return models.StateUncertain
		}
	}
	return models.StateNormal
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
