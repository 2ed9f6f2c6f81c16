// Package querylog reads the normalized DNS query records the upstream
// resolver appends. Records are immutable once logged; this package never
// mutates them.
package querylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is a single normalized DNS query observation.
type Record struct {
	Timestamp  time.Time
	ClientID   string
	Domain     string
	QueryType  string
	Rcode      string
	ResponseIP string
	Blocked    bool
	Cached     bool
	Latency    time.Duration
}

// Filter narrows a fetch to one client or one domain. Zero values match all.
type Filter struct {
	ClientID string
	Domain   string
}

// Source is the read contract the analytics engine consumes.
type Source interface {
	FetchRecords(ctx context.Context, since time.Time, f Filter) ([]Record, error)
}

// Store reads query logs from the resolver's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the query log database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open querylog db: %w", err)
	}

	// SQLite allows one writer; a single pooled connection also keeps
	// :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL, -- Unix timestamp
		client_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		type TEXT,
		rcode TEXT,
		response_ip TEXT,
		blocked BOOLEAN,
		cached BOOLEAN,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON query_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_domain ON query_logs(domain);
	CREATE INDEX IF NOT EXISTS idx_logs_client ON query_logs(client_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists a single record. The analytics engine never calls this;
// it exists for the upstream writer and for tests.
func (s *Store) Append(r Record) error {
	query := `
		INSERT INTO query_logs (timestamp, client_id, domain, type, rcode, response_ip, blocked, cached, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		r.Timestamp.Unix(),
		r.ClientID,
		r.Domain,
		r.QueryType,
		r.Rcode,
		r.ResponseIP,
		r.Blocked,
		r.Cached,
		r.Latency.Milliseconds(),
	)
	return err
}

// FetchRecords returns all records logged at or after since, oldest first,
// optionally narrowed to one client or domain.
func (s *Store) FetchRecords(ctx context.Context, since time.Time, f Filter) ([]Record, error) {
	query := `
		SELECT timestamp, client_id, domain, type, rcode, response_ip, blocked, cached, duration_ms
		FROM query_logs
		WHERE timestamp >= ?
	`
	args := []any{since.Unix()}

	if f.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, f.ClientID)
	}
	if f.Domain != "" {
		query += " AND domain = ?"
		args = append(args, f.Domain)
	}

	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ts, ms int64
		err := rows.Scan(&ts, &r.ClientID, &r.Domain, &r.QueryType, &r.Rcode,
			&r.ResponseIP, &r.Blocked, &r.Cached, &ms)
		if err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0)
		r.Latency = time.Duration(ms) * time.Millisecond
		records = append(records, r)
	}

	return records, rows.Err()
}

// Cleanup removes records older than the retention period.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := s.db.Exec("DELETE FROM query_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
