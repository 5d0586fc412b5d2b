package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("docs")},
		"notes.sql":      {Data: []byte("SELECT 0;")},
		"abc_x.sql":      {Data: []byte("SELECT 0;")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_first.sql" || migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	_, err := NewMigrator(nil, files).LoadMigrations()
	if err == nil || !strings.Contains(err.Error(), "duplicate migration version 1") {
		t.Errorf("expected duplicate version error, got %v", err)
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestStatusOf(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	migrations := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	got := statusOf(migrations, map[int]time.Time{1: at})

	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", got[1])
	}
}
