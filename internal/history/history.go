package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Record is one dispatch attempt. FinalStatus is filled in later when
// the stream reports a terminal status for the row.
type Record struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Operation   string    `json:"operation"`
	RowKey      string    `json:"row_key"`
	AccountID   string    `json:"account_id"`
	Direction   string    `json:"direction,omitempty"`
	Alias       string    `json:"alias"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	FinalStatus string    `json:"final_status,omitempty"`
	SentAt      time.Time `json:"sent_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

// scanRecord handles nullable columns when scanning a row
func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var sentAt, updatedAt sql.NullTime
	var direction, alias, errStr, final sql.NullString

	err := scanner.Scan(&r.ID, &r.RunID, &r.Operation, &r.RowKey, &r.AccountID, &direction, &alias,
		&r.Outcome, &errStr, &final, &sentAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Direction = direction.String
	r.Alias = alias.String
	r.Error = errStr.String
	r.FinalStatus = final.String
	r.SentAt = sentAt.Time
	r.UpdatedAt = updatedAt.Time
	return &r, nil
}

const recordColumns = `id, run_id, operation, row_key, account_id, direction, alias, outcome, error, final_status, sent_at, updated_at`

func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dispatches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		row_key TEXT NOT NULL,
		account_id TEXT NOT NULL,
		direction TEXT,
		alias TEXT,
		outcome TEXT NOT NULL,
		error TEXT,
		final_status TEXT,
		sent_at DATETIME,
		updated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_dispatch_run ON dispatches(run_id);
	CREATE INDEX IF NOT EXISTS idx_dispatch_row ON dispatches(operation, row_key);
	CREATE INDEX IF NOT EXISTS idx_dispatch_sent_at ON dispatches(sent_at);

	CREATE TABLE IF NOT EXISTS snapshots (
		operation TEXT NOT NULL,
		scope TEXT NOT NULL,
		payload BLOB NOT NULL,
		saved_at DATETIME NOT NULL,
		PRIMARY KEY (operation, scope)
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Add(record *Record) error {
	query := `
	INSERT INTO dispatches (run_id, operation, row_key, account_id, direction, alias, outcome, error, final_status, sent_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if record.SentAt.IsZero() {
		record.SentAt = time.Now()
	}
	result, err := s.db.Exec(query,
		record.RunID,
		record.Operation,
		record.RowKey,
		record.AccountID,
		record.Direction,
		record.Alias,
		record.Outcome,
		record.Error,
		record.FinalStatus,
		record.SentAt,
		record.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	record.ID = id
	return nil
}

// UpdateFinalStatus stamps the latest dispatch of a row with the status
// the stream reported. Rows never dispatched are ignored.
func (s *Store) UpdateFinalStatus(operation, rowKey, status, errMsg string) error {
	query := `
	UPDATE dispatches SET final_status = ?, error = CASE WHEN ? != '' THEN ? ELSE error END, updated_at = ?
	WHERE id = (SELECT id FROM dispatches WHERE operation = ? AND row_key = ? ORDER BY sent_at DESC, id DESC LIMIT 1)`

	if _, err := s.db.Exec(query, status, errMsg, errMsg, time.Now(), operation, rowKey); err != nil {
		return fmt.Errorf("failed to update final status: %w", err)
	}
	return nil
}

func (s *Store) GetLastForRow(operation, rowKey string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM dispatches
	WHERE operation = ? AND row_key = ? ORDER BY sent_at DESC, id DESC LIMIT 1`

	record, err := scanRecord(s.db.QueryRow(query, operation, rowKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return record, nil
}

func (s *Store) GetRecent(limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM dispatches ORDER BY sent_at DESC, id DESC LIMIT ?`
	return s.query(query, limit)
}

func (s *Store) GetRun(runID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM dispatches WHERE run_id = ? ORDER BY id`
	return s.query(query, runID)
}

func (s *Store) query(query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

type Stats struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	// Final counts dispatches by the terminal status the stream reported.
	Final map[string]int `json:"final"`
}

func (s *Store) GetStats() (*Stats, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN outcome='sent' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome='failed' THEN 1 ELSE 0 END), 0) FROM dispatches`

	stats := &Stats{Final: make(map[string]int)}
	if err := s.db.QueryRow(query).Scan(&stats.Total, &stats.Sent, &stats.Failed); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	rows, err := s.db.Query(`SELECT final_status, COUNT(*) FROM dispatches
		WHERE final_status IS NOT NULL AND final_status != '' GROUP BY final_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get final stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.Final[status] = n
	}
	return stats, rows.Err()
}

// SaveSnapshot replaces the stored snapshot for (operation, scope).
func (s *Store) SaveSnapshot(operation, scope string, payload []byte) error {
	query := `INSERT INTO snapshots (operation, scope, payload, saved_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(operation, scope) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`

	if _, err := s.db.Exec(query, operation, scope, payload, time.Now()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns nil, nil when nothing was saved.
func (s *Store) LoadSnapshot(operation, scope string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE operation = ? AND scope = ?`, operation, scope).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return payload, nil
}

func (s *Store) DeleteSnapshot(operation, scope string) error {
	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE operation = ? AND scope = ?`, operation, scope); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "history.db"
	}
	return filepath.Join(home, ".adsbot", "history.db")
}
