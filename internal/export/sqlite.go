package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    start_time TEXT NOT NULL,
    duration_seconds REAL NOT NULL,
    samples_generated INTEGER NOT NULL,
    stream_frequency_hz REAL NOT NULL,
    scenario TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    hr REAL NOT NULL,
    eda REAL NOT NULL,
    hrv REAL NOT NULL,
    stress REAL NOT NULL,
    scenario TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// SQLiteExporter appends session logs to a SQLite database.
type SQLiteExporter struct {
	db *sql.DB
}

// NewSQLiteExporter opens (creating if needed) the database at path.
func NewSQLiteExporter(path string) (*SQLiteExporter, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating export dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening export database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing export schema: %w", err)
	}
	return &SQLiteExporter{db: db}, nil
}

// Export writes the session row and its samples in one transaction.
func (e *SQLiteExporter) Export(ctx context.Context, l Log) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, start_time, duration_seconds, samples_generated, stream_frequency_hz, scenario)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.Info.SessionID, l.Info.StartTime.UTC().Format(time.RFC3339Nano), l.Info.DurationSeconds,
		l.Info.SamplesGenerated, l.Info.FrequencyHz, l.Info.Scenario)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO samples (session_id, seq, timestamp, hr, eda, hrv, stress, scenario)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare samples: %w", err)
	}
	defer stmt.Close()

	for _, r := range l.Data {
		if _, err := stmt.ExecContext(ctx, l.Info.SessionID, int64(r.Seq),
			r.Timestamp.UTC().Format(time.RFC3339Nano), r.HR, r.EDA, r.HRV, r.Stress, r.Scenario); err != nil {
			return fmt.Errorf("insert sample %d: %w", r.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	return nil
}

// Load reads back one session's log, samples in sequence order.
func (e *SQLiteExporter) Load(ctx context.Context, sessionID string) (*Log, error) {
	var l Log
	var start string
	err := e.db.QueryRowContext(ctx,
		`SELECT id, start_time, duration_seconds, samples_generated, stream_frequency_hz, scenario
		 FROM sessions WHERE id = ?`, sessionID).
		Scan(&l.Info.SessionID, &start, &l.Info.DurationSeconds, &l.Info.SamplesGenerated, &l.Info.FrequencyHz, &l.Info.Scenario)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if l.Info.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
		return nil, fmt.Errorf("parse start time: %w", err)
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT seq, timestamp, hr, eda, hrv, stress, scenario
		 FROM samples WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		var seq int64
		var ts string
		if err := rows.Scan(&seq, &ts, &r.HR, &r.EDA, &r.HRV, &r.Stress, &r.Scenario); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		r.Seq = uint64(seq)
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse sample time: %w", err)
		}
		l.Data = append(l.Data, r)
	}
	return &l, rows.Err()
}

func (e *SQLiteExporter) Close() error {
	return e.db.Close()
}
