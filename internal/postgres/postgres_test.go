package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/postgres/migrations"
)

func TestGooseLogger_Fatalf_LogsAtErrorLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	gl := gooseLogger{log: logger}

	gl.Fatalf("migration %d failed: %s", 42, "syntax error")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry["level"] != "error" {
		t.Errorf("level = %q, want %q", entry["level"], "error")
	}
	if msg, ok := entry["message"].(string); !ok || msg != "migration 42 failed: syntax error" {
		t.Errorf("message = %q, want %q", entry["message"], "migration 42 failed: syntax error")
	}
}

func TestGooseLogger_Printf_LogsAtInfoLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	gl := gooseLogger{log: logger}

	gl.Printf("applied migration %d", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry["level"] != "info" {
		t.Errorf("level = %q, want %q", entry["level"], "info")
	}
	if msg, ok := entry["message"].(string); !ok || msg != "applied migration 7" {
		t.Errorf("message = %q, want %q", entry["message"], "applied migration 7")
	}
}

func TestMigrations_Embedded(t *testing.T) {
	t.Parallel()

	entries, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("Glob() error: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, name := range entries {
		data, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("ReadFile(%s) error: %v", name, err)
		}
		if !strings.Contains(string(data), "-- +goose Up") || !strings.Contains(string(data), "-- +goose Down") {
			t.Errorf("%s lacks goose Up/Down annotations", name)
		}
	}
}

// fakeBeginner records whether a transaction was committed or rolled back.
type fakeBeginner struct {
	tx *fakeTx
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.tx = &fakeTx{}
	return b.tx, nil
}

type fakeTx struct {
	pgx.Tx
	committed, rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func TestWithTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := &fakeBeginner{}
	if err := WithTx(ctx, b, func(pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("WithTx() error: %v", err)
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("successful fn: committed %v rolled back %v", b.tx.committed, b.tx.rolledBack)
	}

	boom := errors.New("boom")
	if err := WithTx(ctx, b, func(pgx.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want %v", err, boom)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("failed fn: committed %v rolled back %v", b.tx.committed, b.tx.rolledBack)
	}
}
