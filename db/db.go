// Package db persists the alert history behind a small store interface with
// SQLite and MongoDB backends.
package db

import (
	"context"
	"fmt"
	"time"

	"ok-monitor/models"
	"ok-monitor/utils"
)

// AlertStore records delivered abnormal-capture alerts and answers the
// queries the pipeline and the HTTP layer need.
type AlertStore interface {
	StoreAlert(ctx context.Context, event models.AlertEvent) error
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)
	// LastAlertTimes returns the most recent sent-at per device, used to
	// seed alert cooldowns on restart.
	LastAlertTimes(ctx context.Context) (map[string]time.Time, error)
	Close() error
}

// NewAlertStore selects a backend from the DB_TYPE environment variable
// ("sqlite" by default, or "mongo").
func NewAlertStore(ctx context.Context) (AlertStore, error) {
	dbType := utils.GetEnv("DB_TYPE", "sqlite")
	switch dbType {
	case "sqlite":
		path := utils.GetEnv("SQLITE_DB_PATH", "storage/alerts.db?cache=shared&mode=rwc")
		return NewSQLiteClient(path)
	case "mongo":
		uri := utils.GetEnv("MONGO_URI", "mongodb://localhost:27017")
		return NewMongoClient(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q (expected sqlite or mongo)", dbType)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
