package probehub

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed audit/migrations/*.sql
var auditMigrations embed.FS

// AuditLog is an append-style history of the flash runs and debug/print
// sessions the hub has started (§3 supplemented feature: operators need
// a history of who used which probe and for how long). It is strictly
// separate from SessionTable: SessionTable is live, in-memory,
// process-lifetime state the spec forbids persisting; AuditLog is an
// external record the hub writes and serves back only through Recent
// (GET /history), and a restart never seeds live sessions from it.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if necessary) a sqlite-backed audit log
// at path and applies any pending migrations.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if err := migrateAuditDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditLog{db: db}, nil
}

func migrateAuditDB(db *sql.DB) error {
	src, err := iofs.New(auditMigrations, "audit/migrations")
	if err != nil {
		return fmt.Errorf("loading audit migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("opening audit migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("constructing audit migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying audit migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (a *AuditLog) Close() error { return a.db.Close() }

// RecordDispatch inserts a row for a newly-started session and returns
// its audit row id. RecordSessionEnd later closes the row by probe id,
// not by this row id.
func (a *AuditLog) RecordDispatch(ctx context.Context, sess *Session) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO dispatches (probe_id, target, mode, container_name, dispatched_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ProbeID, sess.Target, string(sess.Mode), sess.ContainerName, sess.StartedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("recording dispatch: %w", err)
	}
	return res.LastInsertId()
}

// RecordSessionEnd stamps the most recent open dispatch row for the
// session's probe with its end time and stop reason. Failures are
// logged, not propagated: the audit log is informational and must
// never block a session's teardown.
func (a *AuditLog) RecordSessionEnd(ctx context.Context, sess *Session, reason StopReason) {
	_, err := a.db.ExecContext(ctx,
		`UPDATE dispatches SET ended_at = ?, stop_reason = ?
		 WHERE id = (SELECT id FROM dispatches WHERE probe_id = ? AND ended_at IS NULL ORDER BY id DESC LIMIT 1)`,
		time.Now().UTC(), string(reason), sess.ProbeID)
	if err != nil {
		slog.ErrorContext(ctx, "AuditLog.RecordSessionEnd", "probe", sess.ProbeID, "error", err)
	}
}

// RecordFlash appends a single completed row for a flash dispatch.
// Unlike debug/print sessions (opened by RecordDispatch, closed later
// by RecordSessionEnd), a flash run is synchronous start-to-finish by
// the time the dispatcher knows its outcome, so it's written in one
// insert with ended_at already set. outcome is "ok" on success or the
// failing ErrKind otherwise. Only flash dispatches that acquired the
// probe lock are recorded; requests refused before that point
// (validation errors, ProbeBusy) leave no row.
func (a *AuditLog) RecordFlash(ctx context.Context, probeID int, target, containerName string, dispatchedAt time.Time, outcome string) {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO dispatches (probe_id, target, mode, container_name, dispatched_at, ended_at, stop_reason) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		probeID, target, string(ModeFlash), containerName, dispatchedAt.UTC(), time.Now().UTC(), outcome)
	if err != nil {
		slog.ErrorContext(ctx, "AuditLog.RecordFlash", "probe", probeID, "error", err)
	}
}

// Recent returns the most recent n dispatch rows across all probes,
// newest first, for GET /history and the probe-status CLI's
// "--history" view.
func (a *AuditLog) Recent(ctx context.Context, n int) ([]DispatchRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT probe_id, target, mode, container_name, dispatched_at, ended_at, stop_reason
		 FROM dispatches ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying audit history: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var r DispatchRecord
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ProbeID, &r.Target, &r.Mode, &r.ContainerName, &r.DispatchedAt, &endedAt, &r.StopReason); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DispatchRecord is one historical dispatch, as reported by Recent.
type DispatchRecord struct {
	ProbeID       int        `json:"probe_id"`
	Target        string     `json:"target"`
	Mode          string     `json:"mode"`
	ContainerName string     `json:"container_name"`
	DispatchedAt  time.Time  `json:"dispatched_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	StopReason    string     `json:"stop_reason,omitempty"`
}
