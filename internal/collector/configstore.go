// Package collector orchestrates network scans: per-user scan
// configuration, the scan state machine, event routing to the graph
// writer and the bus, and the HTTP surface under /collector.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eidolon-platform/eidolon/internal/plan"
	"github.com/eidolon-platform/eidolon/internal/store"
)

// ConfigStore persists per-user scan configuration and scan history in
// the embedded database.
type ConfigStore struct {
	db *store.SQLiteStore
}

// Migrations is the collector's schema, applied by the main wiring.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create scanner config table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE scanner_configs (
					user_id    TEXT PRIMARY KEY,
					config     TEXT NOT NULL,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)
			`)
			return err
		},
	},
	{
		Version:     2,
		Description: "create scan history table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE scan_history (
					id              TEXT PRIMARY KEY,
					user_id         TEXT NOT NULL,
					started_at      DATETIME NOT NULL,
					completed_at    DATETIME NOT NULL,
					status          TEXT NOT NULL,
					events_collected INTEGER NOT NULL DEFAULT 0,
					error_message   TEXT,
					config_summary  TEXT
				)
			`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`CREATE INDEX idx_scan_history_user ON scan_history (user_id, completed_at DESC)`)
			return err
		},
	},
}

// NewConfigStore wraps the opened database.
func NewConfigStore(db *store.SQLiteStore) *ConfigStore {
	return &ConfigStore{db: db}
}

// GetConfig returns the user's stored scan configuration, or the
// default configuration when none has been saved yet.
func (s *ConfigStore) GetConfig(ctx context.Context, userID string) (plan.ScanConfig, error) {
	var raw string
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT config FROM scanner_configs WHERE user_id = ?", userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.DefaultScanConfig(), nil
	}
	if err != nil {
		return plan.ScanConfig{}, fmt.Errorf("query scan config: %w", err)
	}

	var cfg plan.ScanConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return plan.ScanConfig{}, fmt.Errorf("decode scan config: %w", err)
	}
	return cfg, nil
}

// PutConfig stores the user's scan configuration, replacing any
// previous one.
func (s *ConfigStore) PutConfig(ctx context.Context, userID string, cfg plan.ScanConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode scan config: %w", err)
	}
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO scanner_configs (user_id, config, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			config = excluded.config,
			updated_at = CURRENT_TIMESTAMP
	`, userID, string(raw))
	if err != nil {
		return fmt.Errorf("store scan config: %w", err)
	}
	return nil
}

// HistoryRecord is one finished scan as reported by the history
// endpoint.
type HistoryRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"-"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	Status          string    `json:"status"`
	EventsCollected int64     `json:"events_collected"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ConfigSummary   string    `json:"config_summary,omitempty"`
}

// AppendHistory records a finished scan.
func (s *ConfigStore) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO scan_history
			(id, user_id, started_at, completed_at, status, events_collected, error_message, config_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.StartedAt.UTC(), rec.CompletedAt.UTC(),
		rec.Status, rec.EventsCollected, rec.ErrorMessage, rec.ConfigSummary)
	if err != nil {
		return fmt.Errorf("append scan history: %w", err)
	}
	return nil
}

// History returns the user's most recent scans, newest first.
func (s *ConfigStore) History(ctx context.Context, userID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, user_id, started_at, completed_at, status, events_collected,
		       COALESCE(error_message, ''), COALESCE(config_summary, '')
		FROM scan_history
		WHERE user_id = ?
		ORDER BY completed_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query scan history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.StartedAt, &rec.CompletedAt,
			&rec.Status, &rec.EventsCollected, &rec.ErrorMessage, &rec.ConfigSummary); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ConfigSummary renders a one-line description of a scan configuration
// for history records and log lines.
func ConfigSummary(cfg plan.ScanConfig) string {
	targets := strings.Join(cfg.NetworkCIDRs, ", ")

	var portLabel string
	switch {
	case cfg.PortPreset == plan.PresetFull:
		portLabel = "ports 1-65535"
	case len(effectivePorts(cfg)) > 0:
		ports := effectivePorts(cfg)
		head := make([]string, 0, 5)
		for i, p := range ports {
			if i == 5 {
				break
			}
			head = append(head, strconv.Itoa(p))
		}
		suffix := ""
		if len(ports) > 5 {
			suffix = "..."
		}
		portLabel = "ports " + strings.Join(head, ",") + suffix
	default:
		portLabel = "ports none"
	}

	if targets == "" {
		return portLabel
	}
	return targets + " " + portLabel
}

func effectivePorts(cfg plan.ScanConfig) []int {
	switch cfg.PortPreset {
	case plan.PresetFast, plan.PresetNormal:
		return plan.PresetPorts(cfg.PortPreset)
	}
	return cfg.Ports
}
