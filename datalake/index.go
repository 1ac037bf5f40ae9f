package datalake

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ok-monitor/models"
)

// RecentIndex keeps a bounded, most-recent-first list of capture summaries
// in memory so listings don't have to walk the datalake on every request.
type RecentIndex struct {
	root     string
	maxItems int

	mu      sync.Mutex
	entries []models.CaptureSummary
}

// NewRecentIndex builds an index over a datalake root and rehydrates it from
// the metadata files already on disk, newest first. Unreadable or malformed
// files are skipped.
func NewRecentIndex(root string, maxItems int) *RecentIndex {
	idx := &RecentIndex{root: root, maxItems: maxItems}
	idx.rehydrate()
	return idx
}

func (idx *RecentIndex) rehydrate() {
	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate

	_ = filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		candidates = append(candidates, candidate{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	if len(candidates) > idx.maxItems {
		candidates = candidates[:idx.maxItems]
	}

	for _, c := range candidates {
		summary, ok := LoadCaptureSummary(c.path)
		if !ok {
			continue
		}
		idx.entries = append(idx.entries, summary)
	}
}

// Add pushes a freshly stored record to the front of the index, dropping the
// oldest entry on overflow.
func (idx *RecentIndex) Add(record CaptureRecord) {
	summary := models.CaptureSummary{
		RecordID:              record.RecordID,
		CapturedAt:            record.CapturedAt,
		State:                 record.Classification.State,
		Score:                 record.Classification.Score,
		Reason:                record.Classification.Reason,
		TriggerLabel:          record.Metadata["trigger_label"],
		NormalDescriptionFile: record.NormalDescriptionFile,
		ImageAvailable:        record.ImageStored,
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = append([]models.CaptureSummary{summary}, idx.entries...)
	if len(idx.entries) > idx.maxItems {
		idx.entries = idx.entries[:idx.maxItems]
	}
}

// Latest returns up to limit summaries, most recent first. The result is an
// independent copy.
func (idx *RecentIndex) Latest(limit int) []models.CaptureSummary {
	if limit <= 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if limit > len(idx.entries) {
		limit = len(idx.entries)
	}
	out := make([]models.CaptureSummary, limit)
	copy(out, idx.entries[:limit])
	return out
}

// LoadCaptureSummary reads one metadata sidecar into a listing summary. The
// second return value is false for unreadable or malformed files.
func LoadCaptureSummary(path string) (models.CaptureSummary, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.CaptureSummary{}, false
	}

	var record CaptureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.CaptureSummary{}, false
	}
	if record.RecordID == "" {
		record.RecordID = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	state := strings.ToLower(strings.TrimSpace(record.Classification.State))
	if state == "" {
		state = "unknown"
	}

	// The image may have been pruned after the record was written; report
	// what is actually on disk.
	imageAvailable := false
	if record.ImageFilename != "" {
		if _, err := os.Stat(filepath.Join(filepath.Dir(path), record.ImageFilename)); err == nil {
			imageAvailable = true
		}
	}

	return models.CaptureSummary{
		RecordID:              record.RecordID,
		CapturedAt:            record.CapturedAt,
		State:                 state,
		Score:                 record.Classification.Score,
		Reason:                strings.TrimSpace(record.Classification.Reason),
		TriggerLabel:          record.Metadata["trigger_label"],
		NormalDescriptionFile: record.NormalDescriptionFile,
		ImageAvailable:        imageAvailable,
	}, true
}
