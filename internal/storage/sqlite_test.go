package storage

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "cache", "builds.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testBuild(id string, finished time.Time) BuildRecord {
	return BuildRecord{
		ID:         id,
		StartedAt:  finished.Add(-3 * time.Second),
		FinishedAt: finished,
		Model:      "all-minilm:l6-v2",
		Dimensions: 384,
		DataDir:    "data",
		Documents:  3,
		Units:      7,
		Skipped:    1,
	}
}

func testDocuments() []DocumentRecord {
	return []DocumentRecord{
		{Name: "line2.csv", Status: StatusFallback, Units: 1, SHA256: "bbb"},
		{Name: "line1.xlsx", Status: StatusIssues, Units: 6, SHA256: "aaa"},
		{Name: "broken.xlsx", Status: StatusSkipped, Units: 0, SHA256: "ccc", Error: "zip: not a valid zip file"},
	}
}

func TestRecordBuildAndLatest(t *testing.T) {
	db := openTestDB(t)

	latest, err := db.LatestBuild()
	if err != nil {
		t.Fatalf("LatestBuild() error = %v", err)
	}
	if latest != nil {
		t.Fatalf("LatestBuild() on empty db = %+v, want nil", latest)
	}

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := db.RecordBuild(testBuild("b1", base), testDocuments()); err != nil {
		t.Fatalf("RecordBuild() error = %v", err)
	}
	if err := db.RecordBuild(testBuild("b2", base.Add(time.Hour)), testDocuments()[:1]); err != nil {
		t.Fatalf("RecordBuild() error = %v", err)
	}

	latest, err = db.LatestBuild()
	if err != nil {
		t.Fatalf("LatestBuild() error = %v", err)
	}
	if latest == nil || latest.ID != "b2" {
		t.Fatalf("LatestBuild() = %+v, want b2", latest)
	}
	if !latest.FinishedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("FinishedAt = %v, want %v", latest.FinishedAt, base.Add(time.Hour))
	}
	if latest.Model != "all-minilm:l6-v2" || latest.Dimensions != 384 || latest.DataDir != "data" {
		t.Errorf("unexpected build fields: %+v", latest)
	}

	count, err := db.CountBuilds()
	if err != nil {
		t.Fatalf("CountBuilds() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountBuilds() = %d, want 2", count)
	}
}

func TestLatestBuild_SubsecondOrdering(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	db.RecordBuild(testBuild("whole", base), nil)
	db.RecordBuild(testBuild("fraction", base.Add(500*time.Millisecond)), nil)

	latest, err := db.LatestBuild()
	if err != nil {
		t.Fatalf("LatestBuild() error = %v", err)
	}
	if latest.ID != "fraction" {
		t.Errorf("LatestBuild() = %q, want %q", latest.ID, "fraction")
	}
}

func TestBuildDocuments(t *testing.T) {
	db := openTestDB(t)
	if err := db.RecordBuild(testBuild("b1", time.Now()), testDocuments()); err != nil {
		t.Fatalf("RecordBuild() error = %v", err)
	}

	docs, err := db.BuildDocuments("b1")
	if err != nil {
		t.Fatalf("BuildDocuments() error = %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("BuildDocuments() returned %d docs, want 3", len(docs))
	}

	names := []string{docs[0].Name, docs[1].Name, docs[2].Name}
	if !reflect.DeepEqual(names, []string{"broken.xlsx", "line1.xlsx", "line2.csv"}) {
		t.Errorf("documents not ordered by name: %v", names)
	}
	if docs[0].Status != StatusSkipped || docs[0].Error == "" {
		t.Errorf("skipped document lost its error: %+v", docs[0])
	}
	if docs[1].Error != "" {
		t.Errorf("Error = %q, want empty", docs[1].Error)
	}

	missing, err := db.BuildDocuments("nope")
	if err != nil {
		t.Fatalf("BuildDocuments() error = %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("expected no documents for unknown build, got %d", len(missing))
	}
}

func TestRecordBuild_RejectsBadStatus(t *testing.T) {
	db := openTestDB(t)

	docs := []DocumentRecord{{Name: "x.csv", Status: "exploded"}}
	if err := db.RecordBuild(testBuild("bad", time.Now()), docs); err == nil {
		t.Fatal("expected error for invalid status")
	}

	// The transaction is rolled back, so the build row is gone too.
	b, err := db.GetBuild("bad")
	if err != nil {
		t.Fatalf("GetBuild() error = %v", err)
	}
	if b != nil {
		t.Errorf("GetBuild() = %+v, want nil after rollback", b)
	}
}

func TestListAndPruneBuilds(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b1", "b2", "b3", "b4"} {
		if err := db.RecordBuild(testBuild(id, base.Add(time.Duration(i)*time.Hour)), testDocuments()); err != nil {
			t.Fatalf("RecordBuild(%s) error = %v", id, err)
		}
	}

	builds, err := db.ListBuilds(2)
	if err != nil {
		t.Fatalf("ListBuilds() error = %v", err)
	}
	if len(builds) != 2 || builds[0].ID != "b4" || builds[1].ID != "b3" {
		t.Errorf("ListBuilds(2) = %v, want [b4 b3]", builds)
	}

	removed, err := db.PruneBuilds(1)
	if err != nil {
		t.Fatalf("PruneBuilds() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("PruneBuilds() removed %d, want 3", removed)
	}

	all, _ := db.ListBuilds(0)
	if len(all) != 1 || all[0].ID != "b4" {
		t.Errorf("remaining builds = %v, want [b4]", all)
	}
	docs, _ := db.BuildDocuments("b1")
	if len(docs) != 0 {
		t.Errorf("documents of pruned build remain: %v", docs)
	}
}

func TestDiff(t *testing.T) {
	recorded := []DocumentRecord{
		{Name: "line1.xlsx", SHA256: "aaa"},
		{Name: "line2.csv", SHA256: "bbb"},
		{Name: "old.csv", SHA256: "ddd"},
	}

	tests := []struct {
		name    string
		current map[string]string
		want    Changes
		stale   bool
	}{
		{
			name:    "unchanged",
			current: map[string]string{"line1.xlsx": "aaa", "line2.csv": "bbb", "old.csv": "ddd"},
			want:    Changes{},
			stale:   false,
		},
		{
			name:    "added modified removed",
			current: map[string]string{"line1.xlsx": "aaa", "line2.csv": "changed", "new.xlsx": "eee"},
			want: Changes{
				Added:    []string{"new.xlsx"},
				Modified: []string{"line2.csv"},
				Removed:  []string{"old.csv"},
			},
			stale: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(recorded, tt.current)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Diff() = %+v, want %+v", got, tt.want)
			}
			if got.Stale() != tt.stale {
				t.Errorf("Stale() = %v, want %v", got.Stale(), tt.stale)
			}
		})
	}
}
