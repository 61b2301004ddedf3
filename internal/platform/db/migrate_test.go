package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func sqlFile(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_escalation.sql": sqlFile("CREATE TABLE escalation_record (id UUID PRIMARY KEY);"),
		"001_referral.sql":   sqlFile("CREATE TABLE referral_request (id UUID PRIMARY KEY);"),
		"003_indexes.sql":    sqlFile("CREATE INDEX idx ON referral_request (id);"),
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d: expected version %d, got %d", i, i+1, m.Version)
		}
	}
	if migrations[0].Name != "001_referral.sql" {
		t.Errorf("expected 001_referral.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE referral_request (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	files := fstest.MapFS{
		"001_referral.sql":   sqlFile("SELECT 1;"),
		"README.md":          sqlFile("docs"),
		"notes.sql":          sqlFile("SELECT 2;"),
		"abc_bad.sql":        sqlFile("SELECT 3;"),
		"old/002_nested.sql": sqlFile("SELECT 4;"),
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Fatalf("expected only 001_referral.sql, got %+v", migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_referral.sql": sqlFile("SELECT 1;"),
		"001_other.sql":    sqlFile("SELECT 2;"),
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_referral.sql"},
		{Version: 2, Name: "002_escalation.sql"},
		{Version: 3, Name: "003_indexes.sql"},
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at, 2: at.Add(time.Minute)}

	pending := Pending(migrations, applied)
	if len(pending) != 1 || pending[0].Version != 3 {
		t.Fatalf("expected only version 3 pending, got %+v", pending)
	}

	status := BuildStatus(migrations, applied)
	if len(status) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(status))
	}
	if !status[0].Applied || !status[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %s, got %+v", at, status[0])
	}
	if status[2].Applied || status[2].AppliedAt != nil {
		t.Errorf("expected version 3 pending, got %+v", status[2])
	}
}
