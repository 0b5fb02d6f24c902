package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drewfead/schedd/internal/api"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLog stores transitions in a SQLite database so history survives a
// broker restart.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		at         DATETIME NOT NULL,
		tag        TEXT NOT NULL,
		project_id TEXT,
		from_state TEXT,
		to_state   TEXT NOT NULL,
		pid        INTEGER,
		cause      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_project ON transitions(project_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, t api.Transition) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transitions (at, tag, project_id, from_state, to_state, pid, cause)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.At.UTC(), t.Tag, t.ID, string(t.From), string(t.To), t.PID, t.Cause)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Recent(ctx context.Context, n int) ([]api.Transition, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT at, tag, project_id, from_state, to_state, pid, cause
		FROM (SELECT * FROM transitions ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []api.Transition
	for rows.Next() {
		var (
			t        api.Transition
			at       time.Time
			id, from sql.NullString
			pid      sql.NullInt64
			cause    sql.NullString
			to       string
		)
		if err := rows.Scan(&at, &t.Tag, &id, &from, &to, &pid, &cause); err != nil {
			return nil, err
		}
		t.At = at.Local()
		t.ID = id.String
		t.From = api.State(from.String)
		t.To = api.State(to)
		t.PID = int(pid.Int64)
		t.Cause = cause.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
