package ai

import (
	"context"
	"fmt"
	"strings"

	"ok-monitor/models"
)

const consensusWorkers = 4

// Reconcile combines two classifier results into one. It is deterministic
// and stateless: the outcome depends only on the two inputs and the labels
// used to attribute reasons.
//
// Agreement averages the scores; disagreement forces the state to uncertain
// with the more cautious (minimum) score. A non-uncertain agreement whose
// mean score falls below LowConfidenceThreshold is downgraded to uncertain.
func Reconcile(primary, secondary models.Classification, primaryLabel, secondaryLabel string) models.Classification {
	primaryState := NormalizeState(primary.State)
	secondaryState := NormalizeState(secondary.State)

	if primaryState == secondaryState {
		return combineAgreement(primaryState, primary, secondary, primaryLabel, secondaryLabel)
	}
	return resolveDisagreement(primary, secondary)
}

func combineAgreement(state string, primary, secondary models.Classification, primaryLabel, secondaryLabel string) models.Classification {
	score := (primary.Score + secondary.Score) / 2.0

	var reason string
	switch state {
	case models.StateAbnormal:
		reason = attributedReasons(primary, secondary, primaryLabel, secondaryLabel)
		if reason == "" {
			reason = "Both classifiers flagged the capture as abnormal."
		}
	case models.StateUncertain:
		lead, _ := orderByConfidence(primary, secondary)
		reason = strings.TrimSpace(lead.Reason)
	default:
		// Agreed normal needs no explanation.
		reason = ""
	}

	if state != models.StateUncertain && score < LowConfidenceThreshold {
		state = models.StateUncertain
		note := fmt.Sprintf("Consensus confidence %.2f below threshold %.2f.",
			score, LowConfidenceThreshold)
		if reason != "" {
			reason = reason + " | " + note
		} else {
			reason = note
		}
	}

	return models.Classification{State: state, Score: score, Reason: reason}
}

// attributedReasons joins both non-empty reasons, higher confidence first
// (ties prefer the primary), each prefixed with its model label. Duplicate
// entries collapse to one.
func attributedReasons(primary, secondary models.Classification, primaryLabel, secondaryLabel string) string {
	lead, trail := primary, secondary
	leadLabel, trailLabel := primaryLabel, secondaryLabel
	if secondary.Score > primary.Score {
		lead, trail = secondary, primary
		leadLabel, trailLabel = secondaryLabel, primaryLabel
	}

	var parts []string
	if text := strings.TrimSpace(lead.Reason); text != "" {
		parts = append(parts, leadLabel+": "+text)
	}
	if text := strings.TrimSpace(trail.Reason); text != "" {
		entry := trailLabel + ": " + text
		duplicate := false
		for _, existing := range parts {
			if existing == entry {
				duplicate = true
			}
		}
		if !duplicate {
			parts = append(parts, entry)
		}
	}
	return strings.Join(parts, " | ")
}

func resolveDisagreement(primary, secondary models.Classification) models.Classification {
	score := primary.Score
	if secondary.Score < score {
		score = secondary.Score
	}

	// A "normal" verdict carries no diagnostic value, so prefer the reason
	// of whichever model is reporting something else.
	primaryNormal := NormalizeState(primary.State) == models.StateNormal
	secondaryNormal := NormalizeState(secondary.State) == models.StateNormal

	var chosen string
	switch {
	case primaryNormal && !secondaryNormal:
		chosen = strings.TrimSpace(secondary.Reason)
	case secondaryNormal && !primaryNormal:
		chosen = strings.TrimSpace(primary.Reason)
	default:
		lead, trail := orderByConfidence(primary, secondary)
		chosen = strings.TrimSpace(lead.Reason)
		if chosen == "" {
			chosen = strings.TrimSpace(trail.Reason)
		}
	}

	reason := "Low confidence"
	if chosen != "" {
		reason = "Low confidence: " + chosen
	}

	return models.Classification{State: models.StateUncertain, Score: score, Reason: reason}
}

// orderByConfidence returns the higher-confidence result first; ties prefer
// the primary.
func orderByConfidence(primary, secondary models.Classification) (models.Classification, models.Classification) {
	if secondary.Score > primary.Score {
		return secondary, primary
	}
	return primary, secondary
}

// ConsensusClassifier fans a capture out to two classifiers concurrently and
// reconciles their verdicts. The two calls run on a small bounded worker
// pool; a primary failure cancels and drains the secondary call before the
// error is returned, and a secondary failure discards the primary result.
type ConsensusClassifier struct {
	primary        Classifier
	secondary      Classifier
	primaryLabel   string
	secondaryLabel string
	workers        chan struct{}
}

// NewConsensusClassifier wraps two classifiers. Labels attribute reasons in
// reconciled output.
func NewConsensusClassifier(primary, secondary Classifier, primaryLabel, secondaryLabel string) *ConsensusClassifier {
	return &ConsensusClassifier{
		primary:        primary,
		secondary:      secondary,
		primaryLabel:   primaryLabel,
		secondaryLabel: secondaryLabel,
		workers:        make(chan struct{}, consensusWorkers),
	}
}

type classifyResult struct {
	classification models.Classification
	err            error
}

func (c *ConsensusClassifier) Classify(ctx context.Context, image []byte) (models.Classification, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	primaryCh := make(chan classifyResult, 1)
	secondaryCh := make(chan classifyResult, 1)

	go c.run(callCtx, c.primary, image, primaryCh)
	go c.run(callCtx, c.secondary, image, secondaryCh)

	primary := <-primaryCh
	if primary.err != nil {
		// Cancel the secondary call and wait for it so no background
		// work outlives this call.
		cancel()
		<-secondaryCh
		return models.Classification{}, fmt.Errorf("%s classifier: %w", c.primaryLabel, primary.err)
	}

	secondary := <-secondaryCh
	if secondary.err != nil {
		return models.Classification{}, fmt.Errorf("%s classifier: %w", c.secondaryLabel, secondary.err)
	}

	return Reconcile(primary.classification, secondary.classification, c.primaryLabel, c.secondaryLabel), nil
}

func (c *ConsensusClassifier) run(ctx context.Context, classifier Classifier, image []byte, out chan<- classifyResult) {
	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		out <- classifyResult{err: ctx.Err()}
		return
	}
	defer func() { <-c.workers }()

	classification, err := classifier.Classify(ctx, image)
	out <- classifyResult{classification: classification, err: err}
}

// SetNormalDescription forwards the baseline description to both children.
func (c *ConsensusClassifier) SetNormalDescription(text string) {
	c.primary.SetNormalDescription(text)
	c.secondary.SetNormalDescription(text)
}
