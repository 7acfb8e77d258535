// Package store persists scan results in a local SQLite database so they
// survive process restarts and can be synced later.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mkulima/leafscan/diagnosis"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("scan result not found")

// ScanResult is one persisted diagnosis. Mutated only by sync-status
// updates; deleted explicitly by the caller.
type ScanResult struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
	diagnosis.Diagnosis
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	IsSynced  bool      `json:"is_synced"`
	CreatedAt time.Time `json:"created_at"`
}

// Store handles scan-result persistence. Methods are safe for concurrent
// use; writes for the same id are single-statement upserts and cannot
// interleave into a corrupted record.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the result by id, so a retry with the same id is idempotent.
func (s *Store) Save(ctx context.Context, r *ScanResult) error {
	preds, err := json.Marshal(r.TopPredictions)
	if err != nil {
		return fmt.Errorf("save scan result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_results (
			id, image_path, label_index, disease, display_name, confidence,
			severity, severity_score, treatment, scientific_name, top_predictions,
			latitude, longitude, notes, is_synced, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			image_path = excluded.image_path,
			label_index = excluded.label_index,
			disease = excluded.disease,
			display_name = excluded.display_name,
			confidence = excluded.confidence,
			severity = excluded.severity,
			severity_score = excluded.severity_score,
			treatment = excluded.treatment,
			scientific_name = excluded.scientific_name,
			top_predictions = excluded.top_predictions,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			notes = excluded.notes,
			is_synced = excluded.is_synced,
			created_at = excluded.created_at`,
		r.ID, r.ImagePath, r.LabelIndex, r.Disease, r.DisplayName, r.Confidence,
		string(r.Severity), r.SeverityScore, r.Treatment, r.ScientificName, string(preds),
		r.Latitude, r.Longitude, r.Notes, r.IsSynced, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save scan result: %w", err)
	}
	return nil
}

// Get retrieves one result by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*ScanResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, image_path, label_index, disease, display_name, confidence,
		       severity, severity_score, treatment, scientific_name, top_predictions,
		       latitude, longitude, notes, is_synced, created_at
		FROM scan_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan result: %w", err)
	}
	return r, nil
}

// List returns a snapshot of all results, newest first. A corrupt record is
// logged and skipped so it never blocks reading the remainder.
func (s *Store) List(ctx context.Context) ([]ScanResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_path, label_index, disease, display_name, confidence,
		       severity, severity_score, treatment, scientific_name, top_predictions,
		       latitude, longitude, notes, is_synced, created_at
		FROM scan_results ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list scan results: %w", err)
	}
	defer rows.Close()

	var results []ScanResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			slog.Warn("skipping unreadable scan result row", slog.String("error", err.Error()))
			continue
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scan results: %w", err)
	}
	return results, nil
}

// UpdateSyncStatus flips the sync flag for id without touching any other
// field. Returns ErrNotFound if no such record exists.
func (s *Store) UpdateSyncStatus(ctx context.Context, id string, synced bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE scan_results SET is_synced = ? WHERE id = ?", synced, id)
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record for id. Returns ErrNotFound if absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scan_results WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete scan result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete scan result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMeta upserts an auxiliary key/value entry (e.g. last model-load
// status). Meta keys live in their own table and cannot collide with
// scan-result ids.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// GetMeta returns the value for key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*ScanResult, error) {
	var r ScanResult
	var severity, preds string
	if err := row.Scan(
		&r.ID, &r.ImagePath, &r.LabelIndex, &r.Disease, &r.DisplayName, &r.Confidence,
		&severity, &r.SeverityScore, &r.Treatment, &r.ScientificName, &preds,
		&r.Latitude, &r.Longitude, &r.Notes, &r.IsSynced, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.Severity = diagnosis.SeverityTier(severity)
	if preds != "" {
		if err := json.Unmarshal([]byte(preds), &r.TopPredictions); err != nil {
			return nil, fmt.Errorf("decode top predictions: %w", err)
		}
	}
	return &r, nil
}
