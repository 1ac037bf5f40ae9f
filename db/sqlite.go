package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"ok-monitor/models"
	"ok-monitor/utils"
)

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %s", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %s", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %s", err)
	}

	return &SQLiteClient{db: db}, nil
}

func createTables(db *sql.DB) error {
	createAlertsTable := `
    CREATE TABLE IF NOT EXISTS alerts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        device_id TEXT NOT NULL,
        record_id TEXT NOT NULL,
        state TEXT NOT NULL,
        score REAL NOT NULL DEFAULT 0,
        reason TEXT,
        sent_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_alerts_sent_at ON alerts(sent_at);
    CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id, sent_at);
    `

	if _, err := db.Exec(createAlertsTable); err != nil {
		return fmt.Errorf("error creating alerts table: %s", err)
	}
	return nil
}

func (c *SQLiteClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *SQLiteClient) StoreAlert(ctx context.Context, event models.AlertEvent) error {
	sentAt := event.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	var reason *string
	if event.Reason != "" {
		reason = &event.Reason
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO alerts (device_id, record_id, state, score, reason, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.DeviceID, event.RecordID, event.State, event.Score, reason, sentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("error storing alert: %s", err)
	}
	return nil
}

func (c *SQLiteClient) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, device_id, record_id, state, score, reason, sent_at
		FROM alerts
		ORDER BY sent_at DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("error querying alerts: %s", err)
	}
	defer rows.Close()

	var alerts []models.AlertEvent
	for rows.Next() {
		var event models.AlertEvent
		var reason sql.NullString
		if err := rows.Scan(&event.ID, &event.DeviceID, &event.RecordID,
			&event.State, &event.Score, &reason, &event.SentAt); err != nil {
			return nil, fmt.Errorf("error scanning alert: %s", err)
		}
		if reason.Valid {
			event.Reason = reason.String
		}
		alerts = append(alerts, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading alerts: %s", err)
	}

	return alerts, nil
}

func (c *SQLiteClient) LastAlertTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT device_id, MAX(sent_at)
		FROM alerts
		GROUP BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("error querying last alert times: %s", err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var deviceID string
		var sentAt time.Time
		if err := rows.Scan(&deviceID, &sentAt); err != nil {
			return nil, fmt.Errorf("error scanning last alert time: %s", err)
		}
		result[deviceID] = sentAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading last alert times: %s", err)
	}

	return result, nil
}
