// Package store persists domain reputations, client behavior profiles,
// security alerts and per-client risk aggregates. Every mutation runs in a
// single transaction so concurrent analysis loops never observe a
// half-written record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Alert types
const (
	AlertDGA        = "dga"
	AlertTunneling  = "tunneling"
	AlertFastFlux   = "fast_flux"
	AlertBehavioral = "behavioral"
	AlertReputation = "reputation"
)

// Alert severities
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert statuses
const (
	StatusOpen          = "open"
	StatusAcknowledged  = "acknowledged"
	StatusResolved      = "resolved"
	StatusFalsePositive = "false_positive"
)

// DomainReputation is the cached scoring result for one domain.
type DomainReputation struct {
	Domain             string
	ReputationScore    float64
	EntropyScore       float64
	Category           string
	CategoryConfidence float64
	DGAScore           float64
	TunnelingScore     float64
	ConsonantRatio     float64
	DigitRatio         float64
	FirstSeen          time.Time
	LastSeen           time.Time
	QueryCount         int64
	UniqueClients      int64
	Analysis           string
	AnalysisExpires    time.Time
}

// DomainStat is one baseline domain entry in a client profile.
type DomainStat struct {
	TotalCount int64   `json:"total_count"`
	HourlyAvg  float64 `json:"hourly_avg"`
}

// ClientProfile is the per-client behavioral baseline.
type ClientProfile struct {
	ClientID          string
	BaselineDomains   map[string]DomainStat
	TypicalQueryHours map[int]int64
	TypicalQueryTypes map[string]float64
	DeviceType        string
	DeviceConfidence  float64
	NormalQueryRate   float64
	QueryRateStdDev   float64
	MaxQueryRate      float64
	GeneratedAt       time.Time
	DataPoints        int64
	DaysAnalyzed      int
	Sensitivity       float64
}

// Alert is a deduplicated security detection.
type Alert struct {
	ID          string
	CreatedAt   time.Time
	Type        string
	Severity    string
	ClientID    string
	Domain      string
	Title       string
	Description string
	Payload     map[string]any
	Status      string
	Explanation string
	Remediation []string
	Confidence  float64
	EnrichedAt  time.Time
}

// ClientRisk is the rolling 24h risk aggregate for one client.
type ClientRisk struct {
	ClientID      string
	RiskLevel     string
	Anomalies24h  int64
	LastAnomalyAt time.Time
	WindowStart   time.Time
}

// Store wraps the analytics SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the analytics database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics db: %w", err)
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
	CREATE TABLE IF NOT EXISTS domain_reputation (
		domain TEXT PRIMARY KEY,
		reputation_score REAL NOT NULL,
		entropy_score REAL,
		category TEXT,
		category_confidence REAL,
		dga_score REAL,
		tunneling_score REAL,
		consonant_ratio REAL,
		digit_ratio REAL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		query_count INTEGER NOT NULL DEFAULT 1,
		unique_clients INTEGER NOT NULL DEFAULT 0,
		analysis TEXT NOT NULL DEFAULT '',
		analysis_expires INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS domain_clients (
		domain TEXT NOT NULL,
		client_id TEXT NOT NULL,
		PRIMARY KEY (domain, client_id)
	);
	CREATE TABLE IF NOT EXISTS client_profiles (
		client_id TEXT PRIMARY KEY,
		domains TEXT NOT NULL,
		hours TEXT NOT NULL,
		qtypes TEXT NOT NULL,
		device_type TEXT,
		device_confidence REAL,
		normal_rate REAL,
		rate_stddev REAL,
		max_rate REAL,
		generated_at INTEGER NOT NULL,
		data_points INTEGER,
		days_analyzed INTEGER,
		sensitivity REAL
	);
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		title TEXT,
		description TEXT,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'open',
		explanation TEXT NOT NULL DEFAULT '',
		remediation TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL DEFAULT 0,
		enriched_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(type, client_id, domain, created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
	CREATE TABLE IF NOT EXISTS client_risk (
		client_id TEXT PRIMARY KEY,
		risk_level TEXT NOT NULL DEFAULT 'low',
		anomalies_24h INTEGER NOT NULL DEFAULT 0,
		last_anomaly_at INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reputation returns the cached reputation for a domain, nil when absent.
func (s *Store) Reputation(ctx context.Context, domain string) (*DomainReputation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, reputation_score, entropy_score, category, category_confidence,
			dga_score, tunneling_score, consonant_ratio, digit_ratio,
			first_seen, last_seen, query_count, unique_clients, analysis, analysis_expires
		FROM domain_reputation WHERE domain = ?`, domain)

	var rep DomainReputation
	var first, last, expires int64
	err := row.Scan(&rep.Domain, &rep.ReputationScore, &rep.EntropyScore, &rep.Category,
		&rep.CategoryConfidence, &rep.DGAScore, &rep.TunnelingScore, &rep.ConsonantRatio,
		&rep.DigitRatio, &first, &last, &rep.QueryCount, &rep.UniqueClients,
		&rep.Analysis, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rep.FirstSeen = time.Unix(first, 0)
	rep.LastSeen = time.Unix(last, 0)
	if expires > 0 {
		rep.AnalysisExpires = time.Unix(expires, 0)
	}

	return &rep, nil
}

// InsertReputation stores a freshly computed reputation record. Reports
// whether the row was created; false means another writer got there first.
func (s *Store) InsertReputation(ctx context.Context, rep *DomainReputation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO domain_reputation
		(domain, reputation_score, entropy_score, category, category_confidence,
		 dga_score, tunneling_score, consonant_ratio, digit_ratio,
		 first_seen, last_seen, query_count, unique_clients)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.Domain, rep.ReputationScore, rep.EntropyScore, rep.Category, rep.CategoryConfidence,
		rep.DGAScore, rep.TunnelingScore, rep.ConsonantRatio, rep.DigitRatio,
		rep.FirstSeen.Unix(), rep.LastSeen.Unix(), rep.QueryCount, rep.UniqueClients)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchReputation increments the query counter and refreshes last_seen,
// tracking the observing client for the unique client count. Reports whether
// a row existed.
func (s *Store) TouchReputation(ctx context.Context, domain, clientID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE domain_reputation SET query_count = query_count + 1, last_seen = ?
		WHERE domain = ?`, at.Unix(), domain)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if clientID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO domain_clients (domain, client_id) VALUES (?, ?)`,
			domain, clientID); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE domain_reputation SET unique_clients =
			(SELECT COUNT(*) FROM domain_clients WHERE domain = ?) WHERE domain = ?`,
			domain, domain); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// RecordClient attributes an observation of a domain to a client and
// refreshes the unique client count, without counting an extra query.
func (s *Store) RecordClient(ctx context.Context, domain, clientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO domain_clients (domain, client_id) VALUES (?, ?)`,
		domain, clientID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE domain_reputation SET unique_clients =
		(SELECT COUNT(*) FROM domain_clients WHERE domain = ?) WHERE domain = ?`,
		domain, domain); err != nil {
		return err
	}

	return tx.Commit()
}

// MissingReputation filters the given domains down to those without a cached
// reputation record, bounded by limit.
func (s *Store) MissingReputation(ctx context.Context, domains []string, limit int) ([]string, error) {
	if len(domains) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domains)), ",")
	args := make([]any, len(domains))
	for i, d := range domains {
		args[i] = d
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT domain FROM domain_reputation WHERE domain IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool, len(domains))
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		known[d] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, d := range domains {
		if known[d] {
			continue
		}
		missing = append(missing, d)
		if len(missing) >= limit {
			break
		}
	}

	return missing, nil
}

// SaveAnalysis caches a natural-language analysis on a domain record.
func (s *Store) SaveAnalysis(ctx context.Context, domain, analysis string, expires time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE domain_reputation SET analysis = ?, analysis_expires = ? WHERE domain = ?`,
		analysis, expires.Unix(), domain)
	return err
}

// Profile returns the behavior profile for a client, nil when absent.
func (s *Store) Profile(ctx context.Context, clientID string) (*ClientProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, domains, hours, qtypes, device_type, device_confidence,
			normal_rate, rate_stddev, max_rate, generated_at, data_points, days_analyzed, sensitivity
		FROM client_profiles WHERE client_id = ?`, clientID)

	var p ClientProfile
	var domains, hours, qtypes string
	var generated int64
	err := row.Scan(&p.ClientID, &domains, &hours, &qtypes, &p.DeviceType, &p.DeviceConfidence,
		&p.NormalQueryRate, &p.QueryRateStdDev, &p.MaxQueryRate, &generated,
		&p.DataPoints, &p.DaysAnalyzed, &p.Sensitivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.GeneratedAt = time.Unix(generated, 0)
	if err := json.Unmarshal([]byte(domains), &p.BaselineDomains); err != nil {
		return nil, fmt.Errorf("corrupt profile domains for %s: %w", clientID, err)
	}
	if err := json.Unmarshal([]byte(hours), &p.TypicalQueryHours); err != nil {
		return nil, fmt.Errorf("corrupt profile hours for %s: %w", clientID, err)
	}
	if err := json.Unmarshal([]byte(qtypes), &p.TypicalQueryTypes); err != nil {
		return nil, fmt.Errorf("corrupt profile qtypes for %s: %w", clientID, err)
	}

	return &p, nil
}

// SaveProfile stores or replaces a full behavior profile.
func (s *Store) SaveProfile(ctx context.Context, p *ClientProfile) error {
	domains, err := json.Marshal(p.BaselineDomains)
	if err != nil {
		return err
	}
	hours, err := json.Marshal(p.TypicalQueryHours)
	if err != nil {
		return err
	}
	qtypes, err := json.Marshal(p.TypicalQueryTypes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO client_profiles
		(client_id, domains, hours, qtypes, device_type, device_confidence,
		 normal_rate, rate_stddev, max_rate, generated_at, data_points, days_analyzed, sensitivity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ClientID, string(domains), string(hours), string(qtypes), p.DeviceType, p.DeviceConfidence,
		p.NormalQueryRate, p.QueryRateStdDev, p.MaxQueryRate, p.GeneratedAt.Unix(),
		p.DataPoints, p.DaysAnalyzed, p.Sensitivity)
	return err
}

// UpdateProfileRate applies an incremental rate refresh. Only the rate
// statistic and the observed maximum change; all other baseline fields are
// untouched until the next full rebuild.
func (s *Store) UpdateProfileRate(ctx context.Context, clientID string, rate, maxRate float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_profiles SET normal_rate = ?, max_rate = MAX(max_rate, ?)
		WHERE client_id = ?`, rate, maxRate, clientID)
	return err
}

// ProfiledClients reports which of the given clients already have a profile.
func (s *Store) ProfiledClients(ctx context.Context, clients []string) (map[string]bool, error) {
	if len(clients) == 0 {
		return map[string]bool{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(clients)), ",")
	args := make([]any, len(clients))
	for i, c := range clients {
		args[i] = c
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT client_id FROM client_profiles WHERE client_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiled := make(map[string]bool)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		profiled[c] = true
	}

	return profiled, rows.Err()
}

// CreateAlert persists an alert unless an alert with the same type, client
// and domain exists within the dedup window. Alert insertion and the client
// risk escalation commit in one transaction. Reports whether a row was
// created; false means the alert was suppressed as a duplicate.
func (s *Store) CreateAlert(ctx context.Context, a *Alert, dedupWindow time.Duration) (bool, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return false, err
	}
	remediation, err := json.Marshal(a.Remediation)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var dup int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE type = ? AND client_id = ? AND domain = ? AND created_at >= ?`,
		a.Type, a.ClientID, a.Domain, a.CreatedAt.Add(-dedupWindow).Unix()).Scan(&dup)
	if err != nil {
		return false, err
	}
	if dup > 0 {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts
		(id, created_at, type, severity, client_id, domain, title, description, payload, status,
		 explanation, remediation, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, 0)`,
		a.ID, a.CreatedAt.Unix(), a.Type, a.Severity, a.ClientID, a.Domain,
		a.Title, a.Description, string(payload), a.Status, string(remediation))
	if err != nil {
		return false, err
	}

	if a.ClientID != "" {
		if err := bumpClientRisk(ctx, tx, a.ClientID, a.Severity, a.CreatedAt); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// bumpClientRisk maintains the rolling 24h anomaly counter and escalates the
// risk level. High severity forces high risk; medium raises to medium unless
// the client is already high.
func bumpClientRisk(ctx context.Context, tx *sql.Tx, clientID, severity string, at time.Time) error {
	var level string
	var count, windowStart int64

	err := tx.QueryRowContext(ctx, `
		SELECT risk_level, anomalies_24h, window_start FROM client_risk WHERE client_id = ?`,
		clientID).Scan(&level, &count, &windowStart)
	if err == sql.ErrNoRows {
		level, count, windowStart = "low", 0, at.Unix()
	} else if err != nil {
		return err
	}

	if at.Sub(time.Unix(windowStart, 0)) > 24*time.Hour {
		count = 0
		windowStart = at.Unix()
	}
	count++

	switch severity {
	case SeverityHigh, SeverityCritical:
		level = "high"
	case SeverityMedium:
		if level != "high" {
			level = "medium"
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO client_risk (client_id, risk_level, anomalies_24h, last_anomaly_at, window_start)
		VALUES (?, ?, ?, ?, ?)`,
		clientID, level, count, at.Unix(), windowStart)
	return err
}

// ClientRiskFor returns the risk aggregate for a client, nil when absent.
func (s *Store) ClientRiskFor(ctx context.Context, clientID string) (*ClientRisk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, risk_level, anomalies_24h, last_anomaly_at, window_start
		FROM client_risk WHERE client_id = ?`, clientID)

	var r ClientRisk
	var last, start int64
	err := row.Scan(&r.ClientID, &r.RiskLevel, &r.Anomalies24h, &last, &start)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.LastAnomalyAt = time.Unix(last, 0)
	r.WindowStart = time.Unix(start, 0)

	return &r, nil
}

// AlertByID returns one alert, nil when absent.
func (s *Store) AlertByID(ctx context.Context, id string) (*Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlerts+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil || len(alerts) == 0 {
		return nil, err
	}

	return &alerts[0], nil
}

const selectAlerts = `
	SELECT id, created_at, type, severity, client_id, domain, title, description,
		payload, status, explanation, remediation, confidence, enriched_at
	FROM alerts`

// OpenUnenriched returns up to limit open alerts without an explanation,
// oldest first, skipping alerts older than maxAge so a dead enrichment
// backlog cannot grow into a retry storm.
func (s *Store) OpenUnenriched(ctx context.Context, limit int, maxAge time.Duration) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlerts+`
		WHERE status = ? AND explanation = '' AND created_at >= ?
		ORDER BY created_at ASC LIMIT ?`,
		StatusOpen, time.Now().Add(-maxAge).Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var a Alert
		var created, enriched int64
		var payload, remediation string
		err := rows.Scan(&a.ID, &created, &a.Type, &a.Severity, &a.ClientID, &a.Domain,
			&a.Title, &a.Description, &payload, &a.Status, &a.Explanation,
			&remediation, &a.Confidence, &enriched)
		if err != nil {
			return nil, err
		}

		a.CreatedAt = time.Unix(created, 0)
		if enriched > 0 {
			a.EnrichedAt = time.Unix(enriched, 0)
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("corrupt alert payload %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(remediation), &a.Remediation); err != nil {
			return nil, fmt.Errorf("corrupt alert remediation %s: %w", a.ID, err)
		}

		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// SaveEnrichment stores the explanation produced by the enrichment service.
func (s *Store) SaveEnrichment(ctx context.Context, id, explanation string, remediation []string, confidence float64) error {
	rem, err := json.Marshal(remediation)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE alerts SET explanation = ?, remediation = ?, confidence = ?, enriched_at = ?
		WHERE id = ?`,
		explanation, string(rem), confidence, time.Now().Unix(), id)
	return err
}

// CleanupAlerts removes alerts older than the retention period.
func (s *Store) CleanupAlerts(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := s.db.Exec("DELETE FROM alerts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
