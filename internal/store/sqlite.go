package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS controllers (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		cert_fingerprint TEXT UNIQUE NOT NULL,
		enrolled_at      TEXT NOT NULL,
		last_seen        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrollment_codes (
		id         TEXT PRIMARY KEY,
		code_hash  TEXT UNIQUE NOT NULL,
		type       TEXT NOT NULL DEFAULT 'attended',
		label      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used_at    TEXT,
		used_by    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id          TEXT PRIMARY KEY,
		at          TEXT NOT NULL,
		client_id   TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_at ON security_events(at)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Controllers ---

func (s *SQLiteStore) CreateController(ctx context.Context, c *ControllerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO controllers (id, name, cert_fingerprint, enrolled_at, last_seen)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.CertFingerprint,
		c.EnrolledAt.UTC().Format(time.RFC3339), c.LastSeen.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetController(ctx context.Context, id string) (*ControllerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cert_fingerprint, enrolled_at, last_seen FROM controllers WHERE id = ?`, id)
	c, err := scanController(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) UpdateControllerSeen(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE controllers SET last_seen = ? WHERE id = ?`, t.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) ListControllers(ctx context.Context) ([]*ControllerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cert_fingerprint, enrolled_at, last_seen FROM controllers ORDER BY enrolled_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*ControllerRecord
	for rows.Next() {
		c, err := scanController(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteController(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM controllers WHERE id = ?`, id)
	return err
}

// --- Enrollment codes ---

func (s *SQLiteStore) CreateEnrollmentCode(ctx context.Context, code *EnrollmentCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollment_codes (id, code_hash, type, label, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code.ID, code.CodeHash, code.Type, code.Label,
		code.CreatedAt.UTC().Format(time.RFC3339), code.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

// ConsumeEnrollmentCode atomically marks a code used. Attended codes are
// single-use; unattended codes stay valid until expiry so a fleet can be
// provisioned from one code. Returns nil without error when the code does
// not exist.
func (s *SQLiteStore) ConsumeEnrollmentCode(ctx context.Context, codeHash string, usedBy string) (*EnrollmentCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code_hash, type, label, created_at, expires_at, used_at, used_by
		 FROM enrollment_codes WHERE code_hash = ?`, codeHash)
	code, err := scanEnrollmentCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	if now.After(code.ExpiresAt) {
		return nil, fmt.Errorf("enrollment code expired")
	}
	if code.Type == "attended" && code.UsedAt != nil {
		return nil, fmt.Errorf("enrollment code already used")
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE enrollment_codes SET used_at = ?, used_by = ? WHERE id = ?`,
		now.UTC().Format(time.RFC3339), usedBy, code.ID)
	if err != nil {
		return nil, err
	}
	return code, nil
}

func (s *SQLiteStore) ListEnrollmentCodes(ctx context.Context) ([]*EnrollmentCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code_hash, type, label, created_at, expires_at, used_at, used_by
		 FROM enrollment_codes ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*EnrollmentCode
	for rows.Next() {
		code, err := scanEnrollmentCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteEnrollmentCode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrollment_codes WHERE id = ?`, id)
	return err
}

// --- Security events ---

func (s *SQLiteStore) AppendSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, at, client_id, remote_addr, kind, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.At.UTC().Format(time.RFC3339), ev.ClientID, ev.RemoteAddr, ev.Kind, ev.Detail)
	return err
}

func (s *SQLiteStore) ListSecurityEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, client_id, remote_addr, kind, detail
		 FROM security_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var at string
		if err := rows.Scan(&ev.ID, &at, &ev.ClientID, &ev.RemoteAddr, &ev.Kind, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanController(r rowScanner) (*ControllerRecord, error) {
	var c ControllerRecord
	var enrolledAt, lastSeen string
	if err := r.Scan(&c.ID, &c.Name, &c.CertFingerprint, &enrolledAt, &lastSeen); err != nil {
		return nil, err
	}
	c.EnrolledAt, _ = time.Parse(time.RFC3339, enrolledAt)
	c.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return &c, nil
}

func scanEnrollmentCode(r rowScanner) (*EnrollmentCode, error) {
	var code EnrollmentCode
	var createdAt, expiresAt string
	var usedAt, usedBy sql.NullString
	if err := r.Scan(&code.ID, &code.CodeHash, &code.Type, &code.Label,
		&createdAt, &expiresAt, &usedAt, &usedBy); err != nil {
		return nil, err
	}
	code.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	code.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	if usedAt.Valid {
		t, err := time.Parse(time.RFC3339, usedAt.String)
		if err == nil {
			code.UsedAt = &t
		}
	}
	if usedBy.Valid {
		code.UsedBy = usedBy.String
	}
	return &code, nil
}
