package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"msgblast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateRun(ctx context.Context, source string, total int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(source, total, success, failed, state, started_at)
		 VALUES(?,?,0,0,'running',?)`,
		source, total, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) FinishRun(ctx context.Context, id int64, state string, success, failed int, runErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, success=?, failed=?, err=?, finished_at=? WHERE id=?`,
		state, success, failed, nullStr(runErr), time.Now().Format(time.RFC3339Nano), id,
	)
	return err
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o OutcomeRecord) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(run_id, position, recipient, kind, ok, attempts, err, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.RunID, o.Position, o.Recipient, o.Kind, o.Success, o.Attempts,
		nullStr(o.Error), o.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, total, success, failed, state, err, started_at, finished_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			errStr   sql.NullString
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Total, &r.Success, &r.Failed,
			&r.State, &errStr, &started, &finished); err != nil {
			return nil, err
		}
		r.Error = errStr.String
		r.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RunOutcomes(ctx context.Context, runID int64) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, position, recipient, kind, ok, attempts, err, at
		 FROM outcomes WHERE run_id=? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			o      OutcomeRecord
			errStr sql.NullString
			at     string
		)
		if err := rows.Scan(&o.RunID, &o.Position, &o.Recipient, &o.Kind,
			&o.Success, &o.Attempts, &errStr, &at); err != nil {
			return nil, err
		}
		o.Error = errStr.String
		o.At = parseTime(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
