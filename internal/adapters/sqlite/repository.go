package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.DeadLetterSink and ports.AuditLog using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/deribit_options/.dlq/failed_records.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer at a time; concurrent currency runs share this handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Debug(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger, now: time.Now}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		currency TEXT NOT NULL,
		instrument TEXT NOT NULL DEFAULT '',
		raw_data TEXT NOT NULL,
		error TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_currency_timestamp ON dead_letters (currency, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_type_timestamp ON audit_events (event_type, timestamp);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Debug(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- DeadLetterSink Implementation ---

// Write stores a record that failed parsing. A zero timestamp is replaced with the current time.
func (r *Repository) Write(ctx context.Context, rec domain.FailedRecord) error {
	const query = `
	INSERT INTO dead_letters (currency, instrument, raw_data, error, timestamp)
	VALUES (?, ?, ?, ?, ?)`

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	_, err := r.db.ExecContext(ctx, query,
		strings.ToUpper(rec.Currency), rec.Instrument, rec.RawData, rec.Error, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert dead letter for %s: %w: %w", rec.Currency, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Dead letter stored", map[string]interface{}{"currency": rec.Currency, "instrument": rec.Instrument})
	return nil
}

// CountDeadLetters counts stored failures. An empty currency counts all of them.
func (r *Repository) CountDeadLetters(ctx context.Context, currency string) (int64, error) {
	query := `SELECT COUNT(*) FROM dead_letters`
	var args []interface{}
	if currency != "" {
		query += ` WHERE currency = ?`
		args = append(args, strings.ToUpper(currency))
	}
	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w: %w", ports.ErrQueryFailed, err)
	}
	return count, nil
}

// ListDeadLetters returns the most recent failures for currency, newest first.
// An empty currency lists all currencies.
func (r *Repository) ListDeadLetters(ctx context.Context, currency string, limit int) ([]domain.FailedRecord, error) {
	query := `SELECT id, currency, instrument, raw_data, error, timestamp FROM dead_letters`
	var args []interface{}
	if currency != "" {
		query += ` WHERE currency = ?`
		args = append(args, strings.ToUpper(currency))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]domain.FailedRecord, 0)
	for rows.Next() {
		rec, err := scanFailedRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letter rows: %w", err)
	}
	return records, nil
}

// --- AuditLog Implementation ---

// Record appends ev to the audit trail.
func (r *Repository) Record(ctx context.Context, ev domain.AuditEvent) error {
	const query = `
	INSERT INTO audit_events (event_type, currency, run_id, timestamp, details)
	VALUES (?, ?, ?, ?, ?)`

	details := ev.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details for %s: %w: %w", ev.Type, ports.ErrInvalidRequest, err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	_, err = r.db.ExecContext(ctx, query, string(ev.Type), strings.ToUpper(ev.Currency), ev.RunID, ts.UTC(), string(encoded))
	if err != nil {
		return fmt.Errorf("failed to insert audit event %s: %w: %w", ev.Type, ports.ErrQueryFailed, err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first. An empty eventType returns all types.
func (r *Repository) RecentEvents(ctx context.Context, eventType domain.AuditEventType, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT id, event_type, currency, run_id, timestamp, details FROM audit_events`
	var args []interface{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0)
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return events, nil
}

// EventSummary counts audit events by type.
func (r *Repository) EventSummary(ctx context.Context) (map[domain.AuditEventType]int, error) {
	const query = `SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit events: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	summary := make(map[domain.AuditEventType]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit summary: %w", err)
		}
		summary[domain.AuditEventType(eventType)] = count
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit summary rows: %w", err)
	}
	return summary, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFailedRecord(s scanner) (domain.FailedRecord, error) {
	var rec domain.FailedRecord
	err := s.Scan(&rec.ID, &rec.Currency, &rec.Instrument, &rec.RawData, &rec.Error, &rec.Timestamp)
	if err != nil {
		return domain.FailedRecord{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

func scanAuditEvent(s scanner) (domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var eventType, details string
	err := s.Scan(&ev.ID, &eventType, &ev.Currency, &ev.RunID, &ev.Timestamp, &details)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	ev.Type = domain.AuditEventType(eventType)
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Details = map[string]interface{}{}
	if details != "" {
		if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("decode details of event %d: %w", ev.ID, err)
		}
	}
	return ev, nil
}
