package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ok-monitor/models"
)

// modelReply is the JSON document the vision models are prompted to return.
type modelReply struct {
	State      string          `json:"state"`
	Label      string          `json:"label"`
	Confidence json.RawMessage `json:"confidence"`
	Score      json.RawMessage `json:"score"`
	Reason     *string         `json:"reason"`
}

// parseModelReply turns a raw model message into a Classification, applying
// the low-confidence downgrade and the abnormal-without-reason fallback.
func parseModelReply(provider, message string) (models.Classification, error) {
	var reply modelReply
	if err := json.Unmarshal([]byte(message), &reply); err != nil {
		return models.Classification{}, fmt.Errorf("%s response was not valid JSON: %w", provider, err)
	}

	rawState := reply.State
	if rawState == "" {
		rawState = reply.Label
	}
	if rawState == "" {
		return models.Classification{}, fmt.Errorf("%s response did not include a state", provider)
	}
	state := NormalizeState(rawState)

	score := clampScore(parseScore(reply.Confidence, reply.Score))

	reason := ""
	if reply.Reason != nil {
		reason = strings.TrimSpace(*reply.Reason)
	}

	lowConfidenceNote := ""
	if score < LowConfidenceThreshold {
		state = models.StateUncertain
		lowConfidenceNote = fmt.Sprintf(
			"Classifier confidence %.2f below threshold %.2f.", score, LowConfidenceThreshold)
	}

	if state == models.StateAbnormal && reason == "" {
		reason = "Model marked capture as abnormal but did not provide details."
	}

	if lowConfidenceNote != "" {
		if reason != "" {
			reason = reason + " | " + lowConfidenceNote
		} else {
			reason = lowConfidenceNote
		}
	}

	return models.Classification{State: state, Score: score, Reason: reason}, nil
}

// parseScore tolerates the model returning the confidence as either a JSON
// number or a quoted string, under either field name.
func parseScore(candidates ...json.RawMessage) float64 {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var numeric float64
		if err := json.Unmarshal(raw, &numeric); err == nil {
			return numeric
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}
