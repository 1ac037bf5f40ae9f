package ai

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"ok-monitor/models"
)

// StaticClassifier always returns a fixed result (or error). Used in tests
// and as a stand-in while wiring deployments.
type StaticClassifier struct {
	Result models.Classification
	Err    error

	mu                sync.Mutex
	normalDescription string
}

func (s *StaticClassifier) Classify(_ context.Context, _ []byte) (models.Classification, error) {
	if s.Err != nil {
		return models.Classification{}, s.Err
	}
	return s.Result, nil
}

func (s *StaticClassifier) SetNormalDescription(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.normalDescription = text
}

// NormalDescription reports the last description pushed into the classifier.
func (s *StaticClassifier) NormalDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normalDescription
}

// ThresholdClassifier is a baseline anomaly detector using mean grayscale
// intensity: bright captures are flagged abnormal. It keeps the server
// usable without any model API keys.
type ThresholdClassifier struct {
	Threshold float64
}

func NewThresholdClassifier() *ThresholdClassifier {
	return &ThresholdClassifier{Threshold: 0.65}
}

func (t *ThresholdClassifier) Classify(_ context.Context, imageBytes []byte) (models.Classification, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return models.Classification{}, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	var sum, count float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// Same luma weights as image/color.GrayModel.
			sum += (299*float64(r>>8) + 587*float64(g>>8) + 114*float64(b>>8)) / 1000
			count++
		}
	}
	if count == 0 {
		return models.Classification{}, fmt.Errorf("image has no pixels")
	}

	score := clampScore(sum / count / 255.0)
	state := models.StateNormal
	if score >= t.Threshold {
		state = models.StateAbnormal
	}
	return models.Classification{State: state, Score: score}, nil
}

func (t *ThresholdClassifier) SetNormalDescription(string) {}
