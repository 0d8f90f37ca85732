// Package archive persists terminated-session reports to SQLite so they
// survive process restarts and stay queryable after the session manager
// has released the in-memory session.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gatewarden/gatewarden/internal/session"
)

// ErrNotFound is returned when no archived report exists for a session.
var ErrNotFound = errors.New("archived report not found")

// Store is a SQLite-backed archive of session reports.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	session_id         TEXT PRIMARY KEY,
	policy_name        TEXT NOT NULL,
	state              TEXT NOT NULL,
	created_at         DATETIME NOT NULL,
	terminated_at      DATETIME,
	termination_reason TEXT,
	duration_ms        INTEGER NOT NULL DEFAULT 0,
	actions_evaluated  INTEGER NOT NULL DEFAULT 0,
	actions_allowed    INTEGER NOT NULL DEFAULT 0,
	actions_denied     INTEGER NOT NULL DEFAULT 0,
	actions_gated      INTEGER NOT NULL DEFAULT 0,
	files_changed      INTEGER NOT NULL DEFAULT 0,
	output_bytes       INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL NOT NULL DEFAULT 0,
	ledger_path        TEXT,
	ledger_entries     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
CREATE INDEX IF NOT EXISTS idx_reports_policy ON reports(policy_name);
`

// Open opens the archive database at path, creating the file and schema
// if they do not exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "archive.Store"),
	}, nil
}

// Close shuts down the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a session report keyed by session id. Saving the same
// session twice replaces the earlier row.
func (s *Store) Save(r *session.Report) error {
	_, err := s.db.Exec(`INSERT INTO reports (session_id, policy_name, state, created_at, terminated_at,
		termination_reason, duration_ms, actions_evaluated, actions_allowed, actions_denied, actions_gated,
		files_changed, output_bytes, cost_usd, ledger_path, ledger_entries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			terminated_at = excluded.terminated_at,
			termination_reason = excluded.termination_reason,
			duration_ms = excluded.duration_ms,
			actions_evaluated = excluded.actions_evaluated,
			actions_allowed = excluded.actions_allowed,
			actions_denied = excluded.actions_denied,
			actions_gated = excluded.actions_gated,
			files_changed = excluded.files_changed,
			output_bytes = excluded.output_bytes,
			cost_usd = excluded.cost_usd,
			ledger_path = excluded.ledger_path,
			ledger_entries = excluded.ledger_entries`,
		r.SessionID, r.PolicyName, r.State, r.CreatedAt, nullTime(r.TerminatedAt),
		nullStr(r.TerminationReason), r.DurationMS, r.ActionsEvaluated, r.ActionsAllowed,
		r.ActionsDenied, r.ActionsGated, r.FilesChanged, r.OutputBytes, r.CostUSD,
		nullStr(r.LedgerPath), r.LedgerEntries,
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.SessionID, err)
	}
	return nil
}

// Get returns the archived report for a session, or ErrNotFound.
func (s *Store) Get(sessionID string) (*session.Report, error) {
	row := s.db.QueryRow(`SELECT session_id, policy_name, state, created_at, terminated_at,
		termination_reason, duration_ms, actions_evaluated, actions_allowed, actions_denied,
		actions_gated, files_changed, output_bytes, cost_usd, ledger_path, ledger_entries
		FROM reports WHERE session_id = ?`, sessionID)

	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", sessionID, err)
	}
	return r, nil
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	PolicyName string
	State      string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// List returns archived reports newest first, plus the total count of
// rows matching the filter before limit/offset are applied.
func (s *Store) List(filter Filter) ([]*session.Report, int, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM reports"+where, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	query := `SELECT session_id, policy_name, state, created_at, terminated_at,
		termination_reason, duration_ms, actions_evaluated, actions_allowed, actions_denied,
		actions_gated, files_changed, output_bytes, cost_usd, ledger_path, ledger_entries
		FROM reports` + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*session.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list reports: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, count, rows.Err()
}

// Hook returns a callback suitable for the session manager's terminate
// hook. Persistence failures are logged, never propagated; losing an
// archive row must not block session teardown.
func (s *Store) Hook() func(*session.Report) {
	return func(r *session.Report) {
		if err := s.Save(r); err != nil {
			s.logger.Error("failed to archive session report",
				"session_id", r.SessionID,
				"error", err)
			return
		}
		s.logger.Debug("session report archived", "session_id", r.SessionID)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*session.Report, error) {
	r := &session.Report{}
	var terminatedAt sql.NullTime
	var reason, ledgerPath sql.NullString

	err := row.Scan(
		&r.SessionID, &r.PolicyName, &r.State, &r.CreatedAt, &terminatedAt,
		&reason, &r.DurationMS, &r.ActionsEvaluated, &r.ActionsAllowed, &r.ActionsDenied,
		&r.ActionsGated, &r.FilesChanged, &r.OutputBytes, &r.CostUSD, &ledgerPath, &r.LedgerEntries,
	)
	if err != nil {
		return nil, err
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		r.TerminatedAt = &t
	}
	r.TerminationReason = reason.String
	r.LedgerPath = ledgerPath.String
	return r, nil
}

func buildWhere(f Filter) (string, []any) {
	var conditions []string
	var args []any

	if f.PolicyName != "" {
		conditions = append(conditions, "policy_name = ?")
		args = append(args, f.PolicyName)
	}
	if f.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, f.State)
	}
	if f.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *f.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
