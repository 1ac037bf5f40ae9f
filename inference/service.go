package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"ok-monitor/ai"
	"ok-monitor/datalake"
	"ok-monitor/hub"
	"ok-monitor/models"
	"ok-monitor/similarity"
	"ok-monitor/utils"
)

// Input errors. Callers can branch on these to reject a capture without
// treating it as a pipeline failure; no state is mutated when they occur.
var (
	ErrInvalidDevice = errors.New("invalid device id")
	ErrBadImage      = errors.New("invalid image payload")
)

// Notifier delivers an alert for an abnormal capture. Failures are logged by
// the pipeline, never propagated to the device.
type Notifier interface {
	NotifyAbnormal(ctx context.Context, record datalake.CaptureRecord) error
}

// Config carries the per-process decision policy for the pipeline.
type Config struct {
	DedupeEnabled   bool
	DedupeThreshold int
	DedupeKeepEvery int

	StreakPruningEnabled bool
	StreakThreshold      int
	StreakKeepEvery      int

	SimilarityEnabled       bool
	SimilarityMaxDistance   int
	SimilarityExpiryMinutes float64

	AlertCooldown time.Duration

	NormalDescriptionFile string
}

// Service orchestrates capture processing: classification (or similarity
// reuse), dedupe and streak decisions, storage, indexing, live fan-out, and
// rate-limited alerting.
type Service struct {
	classifier ai.Classifier
	store      *datalake.Store
	index      *datalake.RecentIndex
	cache      *similarity.Cache
	notifier   Notifier
	captureHub *hub.Hub[models.CaptureEvent]
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
}

// deviceState is the only cross-request mutable state, serialized per device
// so concurrent captures for the same device cannot corrupt the trackers.
type deviceState struct {
	mu        sync.Mutex
	dedupe    dedupeTracker
	streak    streakTracker
	lastAlert time.Time
}

// NewService wires the pipeline. index, cache, notifier and captureHub may
// be nil when the corresponding side effect is not configured.
func NewService(classifier ai.Classifier, store *datalake.Store, index *datalake.RecentIndex,
	cache *similarity.Cache, notifier Notifier, captureHub *hub.Hub[models.CaptureEvent],
	cfg Config) *Service {
	return &Service{
		classifier: classifier,
		store:      store,
		index:      index,
		cache:      cache,
		notifier:   notifier,
		captureHub: captureHub,
		cfg:        cfg,
		logger:     utils.GetLogger(),
		devices:    make(map[string]*deviceState),
	}
}

// SeedCooldowns primes the per-device alert cooldown clocks, typically from
// the persisted alert history on restart.
func (s *Service) SeedCooldowns(lastSent map[string]time.Time) {
	for deviceID, sentAt := range lastSent {
		ds := s.device(deviceID)
		ds.mu.Lock()
		if sentAt.After(ds.lastAlert) {
			ds.lastAlert = sentAt
		}
		ds.mu.Unlock()
	}
}

func (s *Service) device(deviceID string) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[deviceID]
	if !ok {
		ds = &deviceState{}
		s.devices[deviceID] = ds
	}
	return ds
}

// ValidateDeviceID checks an identifier against the allowed alphabet:
// alphanumerics plus dash, underscore, and period.
func ValidateDeviceID(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", fmt.Errorf("%w: device id cannot be empty", ErrInvalidDevice)
	}
	for _, r := range candidate {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			continue
		}
		return "", fmt.Errorf("%w: device id may only contain letters, numbers, dashes, underscores, or periods", ErrInvalidDevice)
	}
	return candidate, nil
}

// ProcessCapture runs one capture through the pipeline and returns the
// classification outcome plus the record id the capture resolved to (which
// is a previous record's id when dedupe suppressed storage).
func (s *Service) ProcessCapture(ctx context.Context, payload models.CapturePayload) (models.InferenceResult, error) {
	deviceID, err := ValidateDeviceID(payload.DeviceID)
	if err != nil {
		return models.InferenceResult{}, err
	}

	imageBytes, err := base64.StdEncoding.DecodeString(payload.ImageBase64)
	if err != nil || len(imageBytes) == 0 {
		return models.InferenceResult{}, fmt.Errorf("%w: base64 decode failed", ErrBadImage)
	}

	ds := s.device(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now().UTC()

	// Similarity reuse: when the device is deep enough into a streak of
	// identical states and the new image is a near-duplicate of the cached
	// one, serve the cached classification without calling the models.
	var hashHex string
	reused := false
	reusedRecordID := ""
	var classification models.Classification

	if s.cfg.SimilarityEnabled {
		hashHex, err = similarity.Hash(imageBytes)
		if err != nil {
			return models.InferenceResult{}, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		if s.cfg.StreakThreshold > 0 && ds.streak.state != "" && ds.streak.count >= s.cfg.StreakThreshold {
			if entry, ok := s.cache.Get(deviceID); ok &&
				entry.State == ds.streak.state &&
				!entry.Expired(s.cfg.SimilarityExpiryMinutes, now) &&
				similarity.Distance(entry.HashHex, hashHex) <= s.cfg.SimilarityMaxDistance {
				classification = models.Classification{
					State:  entry.State,
					Score:  entry.Score,
					Reason: entry.Reason,
				}
				reused = true
				reusedRecordID = entry.RecordID
			}
		}
	}

	if !reused {
		classification, err = s.classifier.Classify(ctx, imageBytes)
		if err != nil {
			// The capture never produced a classification, so the
			// device's trackers must not advance.
			return models.InferenceResult{}, fmt.Errorf("classifier failed: %w", err)
		}
		classification.State = ai.NormalizeState(classification.State)
	}

	// Image-storage decision (streak policy). The streak run keeps
	// advancing on reuse as well: similarity deliberately shares the run
	// with streak pruning.
	streakTracking := s.cfg.StreakPruningEnabled || s.cfg.SimilarityEnabled
	storeImage := ds.streak.advance(classification.State, streakTracking,
		s.cfg.StreakPruningEnabled, s.cfg.StreakThreshold, s.cfg.StreakKeepEvery)

	// Record-storage decision (dedupe policy).
	storeRecord := ds.dedupe.advance(classification.State, s.cfg.DedupeEnabled,
		s.cfg.DedupeThreshold, s.cfg.DedupeKeepEvery)
	if !storeRecord && ds.dedupe.lastRecordID == "" {
		// Nothing to point the response at (fresh process); store anyway.
		storeRecord = true
	}

	metadata := map[string]string{
		"device_id":     deviceID,
		"trigger_label": payload.TriggerLabel,
	}
	for key, value := range payload.Metadata {
		if key == "device_id" || key == "trigger_label" {
			continue
		}
		metadata[key] = value
	}

	recordID := ""
	recordStored := false
	var record datalake.CaptureRecord

	if storeRecord {
		record, err = s.store.StoreCapture(datalake.StoreCaptureRequest{
			ImageBytes:            imageBytes,
			Metadata:              metadata,
			Classification:        classification,
			NormalDescriptionFile: s.cfg.NormalDescriptionFile,
			StoreImage:            storeImage,
			CapturedAt:            now,
			IngestedAt:            time.Now().UTC(),
			DeviceID:              deviceID,
		})
		if err != nil {
			return models.InferenceResult{}, fmt.Errorf("failed to store capture: %w", err)
		}
		ds.dedupe.lastRecordID = record.RecordID
		recordID = record.RecordID
		recordStored = true

		if s.index != nil {
			s.index.Add(record)
		}
		if s.captureHub != nil {
			s.captureHub.Publish(deviceID, models.CaptureEvent{
				DeviceID:     deviceID,
				RecordID:     record.RecordID,
				State:        classification.State,
				Score:        classification.Score,
				Reason:       classification.Reason,
				TriggerLabel: payload.TriggerLabel,
				CapturedAt:   record.CapturedAt,
				ImageStored:  record.ImageStored,
			})
		}
	} else {
		recordID = ds.dedupe.lastRecordID
	}

	s.handleAlert(ctx, ds, deviceID, classification, record, recordStored, now)

	if s.cfg.SimilarityEnabled {
		cacheRecordID := recordID
		if !recordStored && reused {
			cacheRecordID = reusedRecordID
		}
		s.cache.Update(similarity.CachedEvaluation{
			DeviceID:   deviceID,
			RecordID:   cacheRecordID,
			HashHex:    hashHex,
			State:      classification.State,
			Score:      classification.Score,
			Reason:     classification.Reason,
			CapturedAt: now,
		})
	}

	return models.InferenceResult{
		RecordID: recordID,
		State:    classification.State,
		Score:    classification.Score,
		Reason:   classification.Reason,
	}, nil
}

// handleAlert fires the notifier for abnormal captures, at most once per
// cooldown window per device, and only when a record was persisted this call
// (otherwise there is no image to attach). A return to normal re-arms the
// cooldown. Caller holds ds.mu.
func (s *Service) handleAlert(ctx context.Context, ds *deviceState, deviceID string,
	classification models.Classification, record datalake.CaptureRecord, recordStored bool, now time.Time) {

	if classification.State == models.StateNormal {
		ds.lastAlert = time.Time{}
		return
	}
	if classification.State != models.StateAbnormal || !recordStored || s.notifier == nil {
		return
	}
	if s.cfg.AlertCooldown > 0 && !ds.lastAlert.IsZero() && now.Sub(ds.lastAlert) < s.cfg.AlertCooldown {
		return
	}

	if err := s.notifier.NotifyAbnormal(ctx, record); err != nil {
		// An alert failure must never mask a successful classification.
		s.logger.ErrorContext(ctx, "failed to deliver abnormal alert",
			slog.String("deviceID", deviceID),
			slog.String("recordID", record.RecordID),
			slog.Any("error", xerrors.New(err)))
		return
	}
	ds.lastAlert = now
}
