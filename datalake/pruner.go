package datalake

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdobak/go-xerrors"

	"ok-monitor/models"
	"ok-monitor/utils"
)

// PruneStats summarises one pruning sweep.
type PruneStats struct {
	Scanned                    int   `json:"scanned"`
	Deleted                    int   `json:"deleted"`
	PreservedNormalOrUncertain int   `json:"preservedNormalOrUncertain"`
	PreservedAbnormal          int   `json:"preservedAbnormal"`
	BytesFreed                 int64 `json:"bytesFreed"`
	Errors                     int   `json:"errors"`
}

// Prune deletes full-size images for normal/uncertain records older than the
// retention window. Metadata sidecars are always kept and abnormal records
// are never touched. Per-record failures are counted and the sweep continues;
// the sweep is idempotent and safe to run alongside live ingestion.
func Prune(root string, retentionDays int, dryRun bool) (PruneStats, error) {
	if retentionDays < 1 {
		return PruneStats{}, fmt.Errorf("retention days must be >= 1, got %d", retentionDays)
	}

	logger := utils.GetLogger()
	ctx := context.Background()
	stats := PruneStats{}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		logger.WarnContext(ctx, "datalake root does not exist", slog.String("root", root))
		return stats, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			stats.Errors++
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		stats.Scanned++

		data, err := os.ReadFile(path)
		if err != nil {
			logger.ErrorContext(ctx, "failed to read capture metadata",
				slog.String("path", path), slog.Any("error", xerrors.New(err)))
			stats.Errors++
			return nil
		}

		var record CaptureRecord
		if err := json.Unmarshal(data, &record); err != nil {
			logger.ErrorContext(ctx, "failed to parse capture metadata",
				slog.String("path", path), slog.Any("error", xerrors.New(err)))
			stats.Errors++
			return nil
		}

		state := strings.ToLower(strings.TrimSpace(record.Classification.State))

		// Abnormal captures keep their evidence forever.
		if state == models.StateAbnormal {
			stats.PreservedAbnormal++
			return nil
		}

		if record.CapturedAt.IsZero() || !record.CapturedAt.Before(cutoff) {
			stats.PreservedNormalOrUncertain++
			return nil
		}

		if state != models.StateNormal && state != models.StateUncertain {
			stats.PreservedNormalOrUncertain++
			return nil
		}

		imageName := record.ImageFilename
		if imageName == "" {
			imageName = strings.TrimSuffix(filepath.Base(path), ".json") + ".jpeg"
		}
		imagePath := filepath.Join(filepath.Dir(path), imageName)

		info, err := os.Stat(imagePath)
		if err != nil {
			// Already pruned (or never stored); nothing to do.
			return nil
		}

		if dryRun {
			logger.InfoContext(ctx, "would delete capture image",
				slog.String("state", state),
				slog.String("image", imagePath),
				slog.Int64("bytes", info.Size()))
		} else {
			if err := os.Remove(imagePath); err != nil {
				logger.ErrorContext(ctx, "failed to delete capture image",
					slog.String("image", imagePath), slog.Any("error", xerrors.New(err)))
				stats.Errors++
				return nil
			}
			logger.InfoContext(ctx, "deleted capture image",
				slog.String("state", state),
				slog.String("image", imagePath),
				slog.Int64("bytes", info.Size()))
		}

		stats.Deleted++
		stats.BytesFreed += info.Size()
		return nil
	})
	if walkErr != nil {
		return stats, fmt.Errorf("error walking datalake: %w", walkErr)
	}

	logger.InfoContext(ctx, "pruning sweep complete",
		slog.Bool("dryRun", dryRun),
		slog.Int("scanned", stats.Scanned),
		slog.Int("deleted", stats.Deleted),
		slog.Int("preserved", stats.PreservedNormalOrUncertain),
		slog.Int("abnormalPreserved", stats.PreservedAbnormal),
		slog.Int64("bytesFreed", stats.BytesFreed),
		slog.Int("errors", stats.Errors))

	return stats, nil
}
