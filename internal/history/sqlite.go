package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder implements Recorder over a SQLite database, writing
// through a single background goroutine so concurrent bridges never
// contend for the one SQLite writer connection directly.
type SQLiteRecorder struct {
	db     *sql.DB
	writes chan writeRequest
	done   chan struct{}
}

type writeRequest struct {
	rec    *TransactionRecord
	result chan error
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	flow_id        TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	timestamp      TEXT NOT NULL,
	host           TEXT NOT NULL,
	method         TEXT NOT NULL,
	url            TEXT NOT NULL,
	status_code    INTEGER NOT NULL,
	request_bytes  INTEGER NOT NULL,
	response_bytes INTEGER NOT NULL,
	blocked        INTEGER NOT NULL,
	block_reason   TEXT,
	duration_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_host ON transactions(host);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

// NewSQLiteRecorder opens (creating if necessary) a SQLite database at
// dbPath and starts its single writer goroutine.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: connecting to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating schema: %w", err)
	}

	_ = os.Chmod(dbPath, 0600)

	r := &SQLiteRecorder{
		db:     db,
		writes: make(chan writeRequest, 256),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

func (r *SQLiteRecorder) writeLoop() {
	defer close(r.done)
	for req := range r.writes {
		req.result <- r.insert(req.rec)
	}
}

func (r *SQLiteRecorder) insert(rec *TransactionRecord) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO transactions
			(flow_id, session_id, timestamp, host, method, url, status_code,
			 request_bytes, response_bytes, blocked, block_reason, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FlowID, rec.SessionID, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Host, rec.Method, rec.URL, rec.StatusCode,
		rec.RequestBytes, rec.ResponseBytes, rec.Blocked, rec.BlockReason, rec.DurationMs)
	return err
}

// Record enqueues rec for the writer goroutine and waits for it to commit
// or for ctx to expire.
func (r *SQLiteRecorder) Record(ctx context.Context, rec *TransactionRecord) error {
	req := writeRequest{rec: rec, result: make(chan error, 1)}
	select {
	case r.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List queries recorded transactions matching filter.
func (r *SQLiteRecorder) List(ctx context.Context, filter Filter) ([]*TransactionRecord, error) {
	query := `SELECT flow_id, session_id, timestamp, host, method, url, status_code,
		request_bytes, response_bytes, blocked, block_reason, duration_ms FROM transactions WHERE 1=1`
	var args []interface{}
	if filter.Host != "" {
		query += " AND host = ?"
		args = append(args, filter.Host)
	}
	if filter.Blocked != nil {
		query += " AND blocked = ?"
		args = append(args, *filter.Blocked)
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []*TransactionRecord
	for rows.Next() {
		rec := &TransactionRecord{}
		var ts string
		var blockReason sql.NullString
		if err := rows.Scan(&rec.FlowID, &rec.SessionID, &ts, &rec.Host, &rec.Method, &rec.URL,
			&rec.StatusCode, &rec.RequestBytes, &rec.ResponseBytes, &rec.Blocked, &blockReason,
			&rec.DurationMs); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.BlockReason = blockReason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunRetention deletes transactions older than olderThan.
func (r *SQLiteRecorder) RunRetention(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx, "DELETE FROM transactions WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: retention: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the writer goroutine and closes the database.
func (r *SQLiteRecorder) Close() error {
	close(r.writes)
	<-r.done
	return r.db.Close()
}
