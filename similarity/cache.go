package similarity

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"ok-monitor/utils"
)

// CachedEvaluation remembers the last classification served for a device so
// near-duplicate captures can reuse it.
type CachedEvaluation struct {
	DeviceID   string    `json:"device_id"`
	RecordID   string    `json:"record_id"`
	HashHex    string    `json:"hash_hex"`
	State      string    `json:"state"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Expired reports whether the evaluation is older than the expiry window.
// A zero or negative window disables expiry.
func (e CachedEvaluation) Expired(expiryMinutes float64, now time.Time) bool {
	if expiryMinutes <= 0 {
		return false
	}
	return now.Sub(e.CapturedAt) > time.Duration(expiryMinutes*float64(time.Minute))
}

// Cache is a per-device store of cached evaluations, persisted as a single
// JSON document. Disk writes are best-effort: failures are logged and the
// in-memory state stays authoritative.
type Cache struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]CachedEvaluation
}

// NewCache loads (or initialises) a cache at path. An empty path keeps the
// cache purely in memory.
func NewCache(path string) *Cache {
	c := &Cache{
		path:    path,
		logger:  utils.GetLogger(),
		entries: make(map[string]CachedEvaluation),
	}
	c.load()
	return c
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var entries map[string]CachedEvaluation
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.WarnContext(context.Background(), "ignoring unreadable similarity cache",
			slog.String("path", c.path), slog.Any("error", xerrors.New(err)))
		return
	}
	for deviceID, entry := range entries {
		entry.DeviceID = deviceID
		c.entries[deviceID] = entry
	}
}

// save rewrites the backing document. Caller must hold c.mu.
func (c *Cache) save() {
	if c.path == "" {
		return
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		c.logger.ErrorContext(context.Background(), "failed to encode similarity cache",
			slog.Any("error", xerrors.New(err)))
		return
	}
	if dir := filepath.Dir(c.path); dir != "." && dir != "" {
		if err := utils.CreateFolder(dir); err != nil {
			c.logger.WarnContext(context.Background(), "failed to create similarity cache directory",
				slog.String("dir", dir), slog.Any("error", xerrors.New(err)))
			return
		}
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		c.logger.WarnContext(context.Background(), "failed to persist similarity cache",
			slog.String("path", c.path), slog.Any("error", xerrors.New(err)))
	}
}

// Get returns the cached evaluation for a device, if any.
func (c *Cache) Get(deviceID string) (CachedEvaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[deviceID]
	return entry, ok
}

// Update replaces the device's cached evaluation (last write wins) and
// persists the cache.
func (c *Cache) Update(entry CachedEvaluation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.DeviceID] = entry
	c.save()
}

// PruneExpired drops entries older than the expiry window. A zero or
// negative window means entries never age out.
func (c *Cache) PruneExpired(expiryMinutes float64) {
	if expiryMinutes <= 0 {
		return
	}
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := false
	for deviceID, entry := range c.entries {
		if entry.Expired(expiryMinutes, now) {
			delete(c.entries, deviceID)
			removed = true
		}
	}
	if removed {
		c.save()
	}
}
