package datalake

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ok-monitor/models"
)

func plantRecord(t *testing.T, root, state string, capturedAt time.Time, withImage bool) CaptureRecord {
	t.Helper()

	dateDir := filepath.Join(root, capturedAt.UTC().Format("2006/01/02"))
	if err := os.MkdirAll(dateDir, 0755); err != nil {
		t.Fatalf("failed to create partition dir: %v", err)
	}

	recordID := buildRecordID("cam-1", capturedAt)
	record := CaptureRecord{
		RecordID:       recordID,
		CapturedAt:     capturedAt.UTC(),
		IngestedAt:     capturedAt.UTC(),
		Metadata:       map[string]string{"device_id": "cam-1"},
		Classification: models.Classification{State: state, Score: 0.9},
		ImageStored:    withImage,
	}
	if withImage {
		record.ImageFilename = recordID + ".jpeg"
		if err := os.WriteFile(filepath.Join(dateDir, record.ImageFilename), []byte("image bytes"), 0644); err != nil {
			t.Fatalf("failed to write image: %v", err)
		}
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("failed to encode record: %v", err)
	}
	record.MetadataPath = filepath.Join(dateDir, recordID+".json")
	record.ImagePath = filepath.Join(dateDir, record.ImageFilename)
	if err := os.WriteFile(record.MetadataPath, payload, 0644); err != nil {
		t.Fatalf("failed to write metadata: %v", err)
	}
	return record
}

func TestPruneDeletesOldNormalImages(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -10)
	record := plantRecord(t, root, models.StateNormal, old, true)

	stats, err := Prune(root, 7, false)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("expected 1 deletion, got %+v", stats)
	}
	if stats.BytesFreed == 0 {
		t.Fatal("expected freed bytes to be reported")
	}

	if _, err := os.Stat(record.ImagePath); !os.IsNotExist(err) {
		t.Fatal("image should be gone")
	}
	// The sidecar survives so the record remains queryable.
	if _, ok := LoadCaptureSummary(record.MetadataPath); !ok {
		t.Fatal("metadata sidecar should survive pruning")
	}
}

func TestPruneNeverTouchesAbnormal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	veryOld := time.Now().UTC().AddDate(0, 0, -400)
	record := plantRecord(t, root, models.StateAbnormal, veryOld, true)

	stats, err := Prune(root, 7, false)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if stats.PreservedAbnormal != 1 || stats.Deleted != 0 {
		t.Fatalf("abnormal record should be preserved: %+v", stats)
	}
	if _, err := os.Stat(record.ImagePath); err != nil {
		t.Fatal("abnormal image must never be deleted")
	}
}

func TestPrunePreservesRecentRecords(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	record := plantRecord(t, root, models.StateNormal, time.Now().UTC().Add(-time.Hour), true)

	stats, err := Prune(root, 7, false)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if stats.PreservedNormalOrUncertain != 1 || stats.Deleted != 0 {
		t.Fatalf("recent record should be preserved: %+v", stats)
	}
	if _, err := os.Stat(record.ImagePath); err != nil {
		t.Fatal("recent image must not be deleted")
	}
}

func TestPruneDryRunDeletesNothing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -30)
	record := plantRecord(t, root, models.StateUncertain, old, true)

	stats, err := Prune(root, 7, true)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("dry run should still count deletions: %+v", stats)
	}
	if _, err := os.Stat(record.ImagePath); err != nil {
		t.Fatal("dry run must leave files in place")
	}
}

func TestPruneCountsCorruptMetadata(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "broken.json"), []byte("{nope"), 0644); err != nil {
		t.Fatalf("failed to plant corrupt file: %v", err)
	}
	plantRecord(t, root, models.StateNormal, time.Now().UTC().AddDate(0, 0, -30), true)

	stats, err := Prune(root, 7, false)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if stats.Errors != 1 {
		t.Fatalf("corrupt metadata should be counted as an error: %+v", stats)
	}
	if stats.Deleted != 1 {
		t.Fatalf("the sweep should continue past corrupt files: %+v", stats)
	}
}

func TestPruneValidatesRetention(t *testing.T) {
	t.Parallel()

	if _, err := Prune(t.TempDir(), 0, false); err == nil {
		t.Fatal("retention under one day must be rejected")
	}
}

func TestPruneMissingRootIsNotAnError(t *testing.T) {
	t.Parallel()

	stats, err := Prune(filepath.Join(t.TempDir(), "does-not-exist"), 7, false)
	if err != nil {
		t.Fatalf("missing root should not error: %v", err)
	}
	if stats != (PruneStats{}) {
		t.Fatalf("missing root should report zero stats: %+v", stats)
	}
}
