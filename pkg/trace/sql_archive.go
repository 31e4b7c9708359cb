package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLArchive persists finished records with database/sql. Queries use $N
// placeholders, accepted by both the sqlite and postgres drivers.
type SQLArchive struct {
	db *sql.DB
}

// NewSQLArchive wraps an open database.
func NewSQLArchive(db *sql.DB) *SQLArchive {
	return &SQLArchive{db: db}
}

// OpenSQLArchive opens driver ("sqlite" or "postgres") at dsn and creates
// the schema.
func OpenSQLArchive(ctx context.Context, driver, dsn string) (*SQLArchive, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("trace archive: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("trace archive: open: %w", err)
	}
	a := NewSQLArchive(db)
	if err := a.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trace archive: init: %w", err)
	}
	return a, nil
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	task TEXT,
	status TEXT NOT NULL,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP,
	content_hash TEXT,
	record TEXT NOT NULL
);
`

// Init creates the traces table.
func (a *SQLArchive) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, archiveSchema)
	return err
}

// Save inserts a record. Saving the same id twice keeps the first.
func (a *SQLArchive) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize trace: %w", err)
	}
	query := `
		INSERT INTO traces (id, agent, task, status, start_time, end_time, content_hash, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = a.db.ExecContext(ctx, query,
		rec.ID, rec.Agent, rec.Task, rec.Status, rec.StartTime, rec.EndTime, rec.ContentHash, string(data),
	)
	return err
}

// Get loads a record by id.
func (a *SQLArchive) Get(ctx context.Context, id string) (*Record, error) {
	row := a.db.QueryRowContext(ctx, `SELECT record FROM traces WHERE id = $1`, id)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, id)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode trace %s: %w", id, err)
	}
	return &rec, nil
}

// Summary is a row of List.
type Summary struct {
	ID          string
	Agent       string
	Status      string
	StartTime   time.Time
	ContentHash string
}

// List returns the most recent records first.
func (a *SQLArchive) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultArchiveSize
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, agent, status, start_time, content_hash FROM traces ORDER BY start_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Summary, 0)
	for rows.Next() {
		var s Summary
		var hash sql.NullString
		if err := rows.Scan(&s.ID, &s.Agent, &s.Status, &s.StartTime, &hash); err != nil {
			return nil, err
		}
		s.ContentHash = hash.String
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the database.
func (a *SQLArchive) Close() error {
	return a.db.Close()
}
