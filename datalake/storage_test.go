package datalake

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"ok-monitor/models"
)

var recordIDPattern = regexp.MustCompile(`^[a-z0-9-]+_\d{8}T\d{6}_[0-9a-f]{8}$`)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStoreCaptureWritesImageAndMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	capturedAt := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)

	record, err := store.StoreCapture(StoreCaptureRequest{
		ImageBytes:     []byte("jpeg bytes"),
		Metadata:       map[string]string{"device_id": "cam-1", "trigger_label": "motion"},
		Classification: models.Classification{State: models.StateAbnormal, Score: 0.9, Reason: "intruder"},
		StoreImage:     true,
		CapturedAt:     capturedAt,
		DeviceID:       "cam-1",
	})
	if err != nil {
		t.Fatalf("StoreCapture returned error: %v", err)
	}

	if !recordIDPattern.MatchString(record.RecordID) {
		t.Fatalf("record id %q does not match the expected shape", record.RecordID)
	}
	wantDir := filepath.Join(store.Root(), "2026", "08", "30")
	if filepath.Dir(record.MetadataPath) != wantDir {
		t.Fatalf("metadata landed in %s, want partition %s", filepath.Dir(record.MetadataPath), wantDir)
	}

	imageData, err := os.ReadFile(record.ImagePath)
	if err != nil {
		t.Fatalf("image file missing: %v", err)
	}
	if string(imageData) != "jpeg bytes" {
		t.Fatalf("image content mismatch: %q", imageData)
	}

	sidecar, err := os.ReadFile(record.MetadataPath)
	if err != nil {
		t.Fatalf("metadata file missing: %v", err)
	}
	var loaded CaptureRecord
	if err := json.Unmarshal(sidecar, &loaded); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if loaded.RecordID != record.RecordID {
		t.Fatalf("sidecar record id %q != %q", loaded.RecordID, record.RecordID)
	}
	if !loaded.ImageStored || loaded.ImageFilename != record.RecordID+".jpeg" {
		t.Fatalf("sidecar image fields wrong: stored=%v filename=%q", loaded.ImageStored, loaded.ImageFilename)
	}
	if loaded.Classification.Reason != "intruder" {
		t.Fatalf("classification did not round-trip: %+v", loaded.Classification)
	}
}

func TestStoreCaptureWithoutImage(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	record, err := store.StoreCapture(StoreCaptureRequest{
		ImageBytes:     []byte("jpeg bytes"),
		Metadata:       map[string]string{"device_id": "cam-1"},
		Classification: models.Classification{State: models.StateNormal, Score: 0.95},
		StoreImage:     false,
		DeviceID:       "cam-1",
	})
	if err != nil {
		t.Fatalf("StoreCapture returned error: %v", err)
	}

	if record.ImageStored || record.ImageFilename != "" || record.ImagePath != "" {
		t.Fatalf("image fields should be empty when the image is suppressed: %+v", record)
	}
	entries, err := os.ReadDir(filepath.Dir(record.MetadataPath))
	if err != nil {
		t.Fatalf("failed to list partition dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the metadata sidecar on disk, found %d files", len(entries))
	}
}

func TestStoreCaptureRequiresImageBytes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.StoreCapture(StoreCaptureRequest{
		Metadata:   map[string]string{"device_id": "cam-1"},
		StoreImage: true,
		DeviceID:   "cam-1",
	})
	if !errors.Is(err, ErrMissingImage) {
		t.Fatalf("expected ErrMissingImage, got %v", err)
	}
}

func TestStoreCaptureDefaultsTimestamps(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	before := time.Now().UTC().Add(-time.Second)
	record, err := store.StoreCapture(StoreCaptureRequest{
		ImageBytes:     []byte("x"),
		Classification: models.Classification{State: models.StateNormal},
		StoreImage:     true,
		DeviceID:       "cam-1",
	})
	if err != nil {
		t.Fatalf("StoreCapture returned error: %v", err)
	}
	after := time.Now().UTC().Add(time.Second)
	if record.CapturedAt.Before(before) || record.CapturedAt.After(after) {
		t.Fatalf("zero CapturedAt should default to now, got %v", record.CapturedAt)
	}
	if record.IngestedAt.IsZero() {
		t.Fatal("zero IngestedAt should default to now")
	}
}

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"cam-1":            "cam-1",
		"Front Door CAM":   "front-door-cam",
		"  spaced out  ":   "spaced-out",
		"weird***chars!!!": "weird-chars",
		"":                 "device",
		"___":              "device",
	}
	for input, want := range cases {
		if got := sanitizeLabel(input); got != want {
			t.Errorf("sanitizeLabel(%q) = %q, want %q", input, got, want)
		}
	}

	long := sanitizeLabel("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if len(long) > maxLabelLength {
		t.Fatalf("sanitized label exceeds %d characters: %d", maxLabelLength, len(long))
	}
}
