package infra

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestExtractMarker(t *testing.T) {
	query := "--sql 3b1f7a52-8a41-4a8e-9d0e-2f6c1b7e9a10\nselect 1;\n"
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker() error: %v", err)
	}
	if marker != "3b1f7a52-8a41-4a8e-9d0e-2f6c1b7e9a10" {
		t.Fatalf("marker = %q", marker)
	}
	if body != "select 1;" {
		t.Fatalf("body = %q", body)
	}
}

func TestExtractMarkerRejectsUntaggedQuery(t *testing.T) {
	for _, query := range []string{"select 1;", "--sql not-a-uuid\nselect 1;", ""} {
		if _, _, err := extractMarker(query); !errors.Is(err, ErrMissingMarker) {
			t.Fatalf("extractMarker(%q) = %v, want ErrMissingMarker", query, err)
		}
	}
}

type recordingDB struct {
	queries []string
	delay   time.Duration
	err     error
}

func (d *recordingDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	d.queries = append(d.queries, query)
	time.Sleep(d.delay)
	return pgconn.NewCommandTag("UPDATE 1"), d.err
}

func (d *recordingDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	d.queries = append(d.queries, query)
	return errorRow{err: pgx.ErrNoRows}
}

func (d *recordingDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	d.queries = append(d.queries, query)
	return nil, d.err
}

func TestSQLRunnerStripsMarkerAndLogsByMarker(t *testing.T) {
	var buf bytes.Buffer
	db := &recordingDB{}
	runner := NewSQLRunner(db, zerolog.New(&buf).Level(zerolog.DebugLevel))

	tag, err := runner.Exec(context.Background(), "--sql 3b1f7a52-8a41-4a8e-9d0e-2f6c1b7e9a10\nupdate t set x = $1;", 1)
	if err != nil || tag.RowsAffected() != 1 {
		t.Fatalf("Exec() = %v, %v", tag, err)
	}
	if db.queries[0] != "update t set x = $1;" {
		t.Fatalf("statement sent = %q", db.queries[0])
	}
	if !strings.Contains(buf.String(), `"sql":"3b1f7a52-8a41-4a8e-9d0e-2f6c1b7e9a10"`) || strings.Contains(buf.String(), "update t") {
		t.Fatalf("log = %s", buf.String())
	}

	var v int
	if err := runner.QueryRow(context.Background(), "--sql 3b1f7a52-8a41-4a8e-9d0e-2f6c1b7e9a10\nselect 1;").Scan(&v); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("QueryRow().Scan() = %v", err)
	}
	if strings.Contains(buf.String(), "scan error") {
		t.Fatalf("no rows must not be logged as an error: %s", buf.String())
	}
}

func TestSQLRunnerRejectsUnmarkedStatements(t *testing.T) {
	db := &recordingDB{}
	runner := NewSQLRunner(db, zerolog.Nop())

	if _, err := runner.Exec(context.Background(), "delete from t;"); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("Exec() = %v", err)
	}
	if _, err := runner.Query(context.Background(), "select 1;"); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("Query() = %v", err)
	}
	if err := runner.QueryRow(context.Background(), "select 1;").Scan(); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("QueryRow() = %v", err)
	}
	if len(db.queries) != 0 {
		t.Fatalf("unmarked statements reached the database: %v", db.queries)
	}
}

func TestSQLRunnerWarnsOnSlowStatements(t *testing.T) {
	var buf bytes.Buffer
	db := &recordingDB{delay: 5 * time.Millisecond}
	runner := NewSQLRunner(db, zerolog.New(&buf).Level(zerolog.InfoLevel)).WithSlowThreshold(time.Millisecond)

	if _, err := runner.Exec(context.Background(), "--sql 3b1f7a52-8a41-4a8e-9d0e-2f6c1b7e9a10\nselect pg_sleep(0);"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"slow":true`) || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("log = %s", buf.String())
	}
}
