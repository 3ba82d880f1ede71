package main

import (
	"testing"
	"testing/fstest"

	"github.com/lalithlochan/dripmail/migrations"
)

func TestPendingMigrations_OrderAndFilter(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_rules.up.sql":  {Data: []byte("SELECT 2;")},
		"0001_init.up.sql":   {Data: []byte("SELECT 1;")},
		"0001_init.down.sql": {Data: []byte("SELECT 0;")},
		"README.md":          {Data: []byte("notes")},
		"nested/0003.up.sql": {Data: []byte("SELECT 3;")},
	}

	names, err := pendingMigrations(fsys)
	if err != nil {
		t.Fatalf("pendingMigrations() error: %v", err)
	}

	want := []string{"0001_init.up.sql", "0002_rules.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestPendingMigrations_EmbeddedSchema(t *testing.T) {
	names, err := pendingMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("pendingMigrations() error: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_init.up.sql" {
		t.Errorf("expected embedded 0001_init.up.sql first, got %v", names)
	}
}
