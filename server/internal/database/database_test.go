package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/model"
)

func TestNewSQLiteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	cfg := &config.Config{DatabaseDSN: "sqlite3://" + path, DatabaseDriver: DriverSQLite}

	db, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	if !db.IsSQLite() || db.IsPostgres() {
		t.Fatalf("driver = %q, want sqlite", db.Driver)
	}

	// Twice: migrating an existing schema is a no-op
	for i := 0; i < 2; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
	for _, m := range model.AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("missing table for %T", m)
		}
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New(&config.Config{DatabaseDSN: "x", DatabaseDriver: "mysql"}, nil); err == nil {
		t.Fatal("expected an error for driver mysql")
	}
}

func TestWithPragmas(t *testing.T) {
	if got, want := withPragmas("q.db"), "q.db?"+sqlitePragmas; got != want {
		t.Errorf("withPragmas(q.db) = %q, want %q", got, want)
	}
	if got := withPragmas("q.db?_pragma=busy_timeout(100)"); got != "q.db?_pragma=busy_timeout(100)" {
		t.Errorf("caller pragmas were overridden: %q", got)
	}
	if got := withPragmas("q.db?cache=shared"); !strings.Contains(got, "cache=shared&_pragma=") {
		t.Errorf("withPragmas(q.db?cache=shared) = %q", got)
	}
}
