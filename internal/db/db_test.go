package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	database, err := New(path, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return database
}

func TestNew_CreatesSchema(t *testing.T) {
	database := openTestDB(t, filepath.Join(t.TempDir(), "nested", "splatview.db"))
	defer database.Close()

	for _, table := range []string{"sessions", "config", "_migrations"} {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var journalMode string
	if err := database.Conn().QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}
}

func TestNew_MigrationsAppliedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splatview.db")
	openTestDB(t, path).Close()

	database := openTestDB(t, path)
	defer database.Close()

	var count int
	if err := database.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations error = %v", err)
	}
	if count != 2 {
		t.Errorf("migration count = %d, want 2", count)
	}
}

func TestNew_MarksInterruptedSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splatview.db")
	first := openTestDB(t, path)
	_, err := first.Conn().Exec(`
		INSERT INTO sessions (id, phase, created_at, updated_at) VALUES
			('s-upload', 'uploading', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z'),
			('s-process', 'processing', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z'),
			('s-ready', 'ready', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert sessions error = %v", err)
	}
	first.Close()

	second := openTestDB(t, path)
	defer second.Close()

	want := map[string]string{"s-upload": "failed", "s-process": "failed", "s-ready": "ready"}
	for id, phase := range want {
		var got string
		var msg *string
		if err := second.Conn().QueryRow("SELECT phase, error_message FROM sessions WHERE id = ?", id).Scan(&got, &msg); err != nil {
			t.Fatalf("query %s error = %v", id, err)
		}
		if got != phase {
			t.Errorf("%s phase = %s, want %s", id, got, phase)
		}
		if phase == "failed" && (msg == nil || *msg != InterruptedMessage) {
			t.Errorf("%s error_message = %v, want %q", id, msg, InterruptedMessage)
		}
	}
}

func TestOpen_LeavesInFlightSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splatview.db")
	first := openTestDB(t, path)
	if _, err := first.Conn().Exec(`INSERT INTO sessions (id, phase, created_at, updated_at)
		VALUES ('s1', 'processing', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	defer first.Close()

	reader, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()

	var phase string
	reader.Conn().QueryRow("SELECT phase FROM sessions WHERE id = 's1'").Scan(&phase)
	if phase != "processing" {
		t.Errorf("phase = %s, want processing", phase)
	}
}
