package main

import (
	"testing"
	"testing/fstest"

	"github.com/lalithlochan/pulse/migrations"
)

func TestPendingNames_OrdersUpFilesOnly(t *testing.T) {
	source := fstest.MapFS{
		"002_add_index.up.sql":   {Data: []byte("SELECT 1;")},
		"001_init.up.sql":        {Data: []byte("SELECT 1;")},
		"001_init.down.sql":      {Data: []byte("SELECT 1;")},
		"README.md":              {Data: []byte("notes")},
		"archive/000_old.up.sql": {Data: []byte("SELECT 1;")},
	}

	names, err := pendingNames(source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"001_init.up.sql", "002_add_index.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestPendingNames_EmbeddedSchema(t *testing.T) {
	names, err := pendingNames(migrations.FS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if names[0] != "001_create_notifications.up.sql" {
		t.Errorf("expected first migration 001_create_notifications.up.sql, got %s", names[0])
	}
}
