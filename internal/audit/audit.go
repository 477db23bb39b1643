// Package audit keeps a local, append-only event log in SQLite. The log is
// private to the watchdog process (the blackboard stays the coordination
// medium); it exists so an operator can reconstruct what the swarm did
// after the fact.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event kinds recorded by the watchdog and CLI.
const (
	KindSpawn     = "spawn"
	KindRespawn   = "respawn"
	KindDead      = "dead"
	KindClaim     = "claim"
	KindFinish    = "finish"
	KindReopen    = "reopen"
	KindVerdict   = "verdict"
	KindMissionUp = "mission_update"
)

// Event is one audit log row.
type Event struct {
	ID     int64
	TS     time.Time
	Kind   string
	Agent  string
	TaskID int
	Detail string
}

// Log wraps the SQLite database holding the event log.
type Log struct {
	DB *sql.DB
}

// Open opens (or creates) the audit database at path and runs migrations.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	l := &Log{DB: db}
	if err := l.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	if l == nil || l.DB == nil {
		return nil
	}
	return l.DB.Close()
}

func (l *Log) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range stmts {
		if _, err := l.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) migrate(ctx context.Context) error {
	if l == nil || l.DB == nil {
		return errors.New("audit log not initialized")
	}
	if _, err := l.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := l.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	type migration struct {
		version int
		name    string
		sql     string
	}
	var migs []migration
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("bad migration name %q: %w", name, err)
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		migs = append(migs, migration{version: v, name: name, sql: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	for _, m := range migs {
		if applied[m.version] {
			continue
		}
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// Record appends one event. Failures are returned but callers generally
// log and move on; the audit trail must never block coordination.
func (l *Log) Record(ctx context.Context, kind, agent string, taskID int, detail string) error {
	if l == nil || l.DB == nil {
		return nil
	}
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO events(ts, kind, agent, task_id, detail) VALUES(?, ?, ?, ?, ?)`,
		time.Now().Unix(), kind, agent, taskID, detail)
	return err
}

// Tail returns the most recent n events, newest first.
func (l *Log) Tail(ctx context.Context, n int) ([]Event, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id, ts, kind, agent, task_id, detail FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Agent, &e.TaskID, &e.Detail); err != nil {
			return nil, err
		}
		e.TS = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ByKind returns the most recent n events of one kind, newest first.
func (l *Log) ByKind(ctx context.Context, kind string, n int) ([]Event, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id, ts, kind, agent, task_id, detail FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Agent, &e.TaskID, &e.Detail); err != nil {
			return nil, err
		}
		e.TS = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
