package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestMigrator_Run(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, table := range []string{"cameras", "intruders"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s: %v", table, err)
		}
	}

	// Running again should be idempotent
	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Second Run failed: %v", err)
	}
}

func TestMigrator_GetStatus(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	before, err := migrator.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(before) < 2 {
		t.Fatalf("Expected at least 2 migrations, got %d", len(before))
	}
	for _, m := range before {
		if !m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should not be applied yet", m.Version)
		}
	}

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := migrator.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	for i, m := range after {
		if m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should have AppliedAt set", m.Version)
		}
		if m.Name == "" {
			t.Errorf("Migration %d should have Name set", m.Version)
		}
		if i > 0 && after[i-1].Version >= m.Version {
			t.Errorf("Migrations out of order: %d before %d", after[i-1].Version, m.Version)
		}
	}
}

func TestMigrator_ArchiveColumn(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := db.Exec(`INSERT INTO intruders (id, camera_id, label, detected_at, archive_key) VALUES ('i1', 'c1', 'person', 1, 'k')`)
	if err != nil {
		t.Errorf("Expected archive_key column: %v", err)
	}
}

func TestParseMigrations(t *testing.T) {
	tests := []struct {
		name     string
		files    fstest.MapFS
		want     []int
		wantFail bool
	}{
		{
			name: "sorted by version",
			files: fstest.MapFS{
				"010_late.sql":   {Data: []byte("SELECT 1")},
				"002_second.sql": {Data: []byte("SELECT 1")},
				"001_first.sql":  {Data: []byte("SELECT 1")},
			},
			want: []int{1, 2, 10},
		},
		{
			name: "bad names skipped",
			files: fstest.MapFS{
				"001_first.sql": {Data: []byte("SELECT 1")},
				"readme.sql":    {Data: []byte("")},
				"x_notes.sql":   {Data: []byte("")},
				"002_next.txt":  {Data: []byte("")},
			},
			want: []int{1},
		},
		{
			name: "duplicate version",
			files: fstest.MapFS{
				"001_a.sql": {Data: []byte("SELECT 1")},
				"001_b.sql": {Data: []byte("SELECT 1")},
			},
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMigrations(tt.files)
			if tt.wantFail {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMigrations failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d migrations, got %+v", len(tt.want), got)
			}
			for i, v := range tt.want {
				if got[i].Version != v {
					t.Errorf("Position %d: expected version %d, got %d", i, v, got[i].Version)
				}
			}
		})
	}
}
