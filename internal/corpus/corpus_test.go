package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/califonix/opsqa/internal/embedding"
	"github.com/califonix/opsqa/internal/extract"
	"github.com/califonix/opsqa/internal/index"
	"github.com/gofrs/flock"
)

// fakeProvider embeds text as [len, vowels, spaces] and counts batch calls.
type fakeProvider struct {
	mu      sync.Mutex
	batches []int
	failAt  int // fail on this 1-based batch call; 0 never fails
}

func (p *fakeProvider) vector(text string) []float32 {
	var vowels, spaces float32
	for _, r := range text {
		switch r {
		case 'a', 'e', 'i', 'o', 'u':
			vowels++
		case ' ':
			spaces++
		}
	}
	return []float32{float32(len(text)), vowels, spaces}
}

func (p *fakeProvider) Embed(ctx context.Context, text string) (embedding.Embedding, error) {
	return embedding.Embedding{Vector: p.vector(text)}, nil
}

func (p *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Embedding, error) {
	p.mu.Lock()
	p.batches = append(p.batches, len(texts))
	call := len(p.batches)
	p.mu.Unlock()

	if p.failAt != 0 && call == p.failAt {
		return nil, errors.New("ollama unavailable")
	}
	out := make([]embedding.Embedding, len(texts))
	for i, t := range texts {
		out[i] = embedding.Embedding{Vector: p.vector(t)}
	}
	return out, nil
}

func (p *fakeProvider) ModelName() string { return "fake-embed" }
func (p *fakeProvider) Dimensions() int   { return 3 }

func testUnits() []extract.Unit {
	return []extract.Unit{
		{Text: "2024-05-01 | A | Conveyor belt slipping", Source: "line1.xlsx", Row: 1},
		{Text: "2024-05-02 | B | Sensor fault", Source: "line1.xlsx", Row: 2},
		{Text: "Minor delay", Source: "line2.csv", Row: 1},
		{Text: "Hydraulic leak", Source: "line2.csv", Row: 3},
		{Text: "Coolant low", Source: "line3.xlsx", Row: 1},
	}
}

func buildTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap, _, err := NewBuilder(&fakeProvider{}).Build(context.Background(), testUnits())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return snap
}

func TestNew_Inconsistent(t *testing.T) {
	idx, _ := index.Build(2, [][]float32{{1, 0}, {0, 1}})

	_, err := New(idx, []Record{{Text: "only one", Source: "a.csv"}}, Manifest{})
	if !errors.Is(err, ErrInconsistent) {
		t.Errorf("expected ErrInconsistent, got %v", err)
	}

	_, err = New(nil, nil, Manifest{})
	if !errors.Is(err, ErrInconsistent) {
		t.Errorf("expected ErrInconsistent for nil index, got %v", err)
	}
}

func TestNew_FillsManifest(t *testing.T) {
	idx, _ := index.Build(2, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	records := []Record{
		{Text: "a", Source: "x.csv"},
		{Text: "b", Source: "y.csv"},
		{Text: "c", Source: "x.csv"},
	}

	snap, err := New(idx, records, Manifest{ModelName: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if snap.Manifest.Version != CurrentManifestVersion {
		t.Errorf("Version = %d, want %d", snap.Manifest.Version, CurrentManifestVersion)
	}
	if snap.Manifest.Records != 3 || snap.Manifest.Documents != 2 || snap.Manifest.Dimensions != 2 {
		t.Errorf("unexpected manifest counts: %+v", snap.Manifest)
	}
	if got := snap.Texts(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Texts() = %v", got)
	}
	if got := snap.Sources(); !reflect.DeepEqual(got, []string{"x.csv", "y.csv", "x.csv"}) {
		t.Errorf("Sources() = %v", got)
	}
}

func TestBuilder_Build(t *testing.T) {
	provider := &fakeProvider{}
	builder := NewBuilder(provider)
	builder.SetBatchSize(2)

	var progress [][2]int
	builder.SetProgressReporter(ProgressFunc(func(current, total int) {
		progress = append(progress, [2]int{current, total})
	}))

	units := testUnits()
	snap, stats, err := builder.Build(context.Background(), units)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if snap.Len() != len(units) || snap.Index.Len() != len(units) {
		t.Fatalf("expected %d records, got %d (index %d)", len(units), snap.Len(), snap.Index.Len())
	}
	for i, u := range units {
		if snap.Records[i].Text != u.Text || snap.Records[i].Source != u.Source {
			t.Errorf("record %d = %+v, want %q from %q", i, snap.Records[i], u.Text, u.Source)
		}
		want := provider.vector(u.Text)
		if !reflect.DeepEqual(snap.Index.Vector(i), want) {
			t.Errorf("vector %d = %v, want %v", i, snap.Index.Vector(i), want)
		}
	}

	if !reflect.DeepEqual(provider.batches, []int{2, 2, 1}) {
		t.Errorf("batch sizes = %v, want [2 2 1]", provider.batches)
	}
	wantProgress := [][2]int{{2, 5}, {4, 5}, {5, 5}}
	if !reflect.DeepEqual(progress, wantProgress) {
		t.Errorf("progress = %v, want %v", progress, wantProgress)
	}

	if stats.Units != 5 || stats.Documents != 3 || stats.Batches != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.BuildID == "" || snap.Manifest.BuildID != stats.BuildID {
		t.Errorf("build id not propagated: stats %q, manifest %q", stats.BuildID, snap.Manifest.BuildID)
	}
	if snap.Manifest.ModelName != "fake-embed" {
		t.Errorf("ModelName = %q", snap.Manifest.ModelName)
	}
}

func TestBuilder_Errors(t *testing.T) {
	t.Run("empty corpus", func(t *testing.T) {
		_, _, err := NewBuilder(&fakeProvider{}).Build(context.Background(), nil)
		if !errors.Is(err, extract.ErrEmptyCorpus) {
			t.Errorf("expected ErrEmptyCorpus, got %v", err)
		}
	})

	t.Run("embedding failure", func(t *testing.T) {
		builder := NewBuilder(&fakeProvider{failAt: 2})
		builder.SetBatchSize(2)
		_, _, err := builder.Build(context.Background(), testUnits())
		if err == nil {
			t.Fatal("expected error from failing provider")
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := NewBuilder(&fakeProvider{}).Build(ctx, testUnits())
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "embeddings")
	snap := buildTestSnapshot(t)

	if Exists(dir) {
		t.Fatal("Exists should be false before Save")
	}
	if err := snap.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !Exists(dir) {
		t.Fatal("Exists should be true after Save")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Records, snap.Records) {
		t.Errorf("records differ after round trip")
	}
	if loaded.Index.Len() != snap.Index.Len() || loaded.Index.Dimensions() != snap.Index.Dimensions() {
		t.Errorf("index shape differs: %dx%d", loaded.Index.Len(), loaded.Index.Dimensions())
	}
	if loaded.Manifest.BuildID != snap.Manifest.BuildID {
		t.Errorf("BuildID = %q, want %q", loaded.Manifest.BuildID, snap.Manifest.BuildID)
	}

	size, err := Size(dir)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size == 0 {
		t.Error("expected non-zero snapshot size")
	}
}

func TestSave_ReplacesPrevious(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "embeddings")

	first := buildTestSnapshot(t)
	if err := first.Save(dir); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	idx, _ := index.Build(3, [][]float32{{1, 2, 3}})
	second, _ := New(idx, []Record{{Text: "Coolant low", Source: "line3.xlsx"}}, Manifest{})
	if err := second.Save(dir); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Len() != 1 || loaded.Records[0].Text != "Coolant low" {
		t.Errorf("expected replaced snapshot, got %+v", loaded.Records)
	}

	// Only the snapshot and its lock file remain; no staging leftovers.
	entries, _ := os.ReadDir(parent)
	for _, e := range entries {
		if e.Name() != "embeddings" && e.Name() != "embeddings.lock" {
			t.Errorf("unexpected leftover %q", e.Name())
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope"))
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
	})

	t.Run("missing parent", func(t *testing.T) {
		parent := filepath.Join(t.TempDir(), "absent")
		_, err := Load(filepath.Join(parent, "embeddings"))
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
		if _, err := os.Stat(parent); !os.IsNotExist(err) {
			t.Error("Load should not create the parent directory")
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "embeddings")
		if err := buildTestSnapshot(t).Save(dir); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		os.Remove(filepath.Join(dir, TextsFile))

		_, err := Load(dir)
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
		if Exists(dir) {
			t.Error("Exists should be false with a missing artifact")
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "embeddings")
		if err := buildTestSnapshot(t).Save(dir); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		data, _ := json.Marshal([]string{"only one source"})
		os.WriteFile(filepath.Join(dir, SourcesFile), data, 0644)

		_, err := Load(dir)
		if !errors.Is(err, ErrInconsistent) {
			t.Errorf("expected ErrInconsistent, got %v", err)
		}
	})

	t.Run("corrupt index", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "embeddings")
		if err := buildTestSnapshot(t).Save(dir); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		os.WriteFile(filepath.Join(dir, IndexFile), []byte("garbage"), 0644)

		_, err := Load(dir)
		if !errors.Is(err, index.ErrBadFormat) {
			t.Errorf("expected index.ErrBadFormat, got %v", err)
		}
	})
}

func TestLoad_WithoutManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "embeddings")
	if err := buildTestSnapshot(t).Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	os.Remove(filepath.Join(dir, ManifestFile))

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Manifest.Records != 5 || loaded.Manifest.Dimensions != 3 {
		t.Errorf("manifest not derived from data: %+v", loaded.Manifest)
	}
}

func TestSize_Missing(t *testing.T) {
	_, err := Size(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestSave_Locked(t *testing.T) {
	prev := LockTimeout
	LockTimeout = 300 * time.Millisecond
	defer func() { LockTimeout = prev }()

	dir := filepath.Join(t.TempDir(), "embeddings")
	snap := buildTestSnapshot(t)
	if err := snap.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A concurrent build holds the exclusive lock.
	holder := flock.New(lockPath(dir))
	if err := holder.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	if err := snap.Save(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("Save under lock: expected ErrLocked, got %v", err)
	}
	if _, err := Load(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("Load under exclusive lock: expected ErrLocked, got %v", err)
	}

	holder.Unlock()
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load after unlock failed: %v", err)
	}

	// Readers share the lock with each other.
	reader := flock.New(lockPath(dir))
	if err := reader.RLock(); err != nil {
		t.Fatalf("RLock failed: %v", err)
	}
	defer reader.Unlock()
	if _, err := Load(dir); err != nil {
		t.Errorf("Load beside another reader failed: %v", err)
	}
}

func TestLoad_WaitsForLockBeforeLooking(t *testing.T) {
	prev := LockTimeout
	LockTimeout = 300 * time.Millisecond
	defer func() { LockTimeout = prev }()

	// While a writer holds the lock the directory may be mid-swap, so a
	// missing directory is not yet evidence of a missing snapshot.
	dir := filepath.Join(t.TempDir(), "embeddings")
	holder := flock.New(lockPath(dir))
	if err := holder.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer holder.Unlock()

	if _, err := Load(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("Load of absent directory under lock: expected ErrLocked, got %v", err)
	}
}

func TestLoad_DuringRepeatedSaves(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "embeddings")
	snap := buildTestSnapshot(t)
	if err := snap.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 20; i++ {
			if err := snap.Save(dir); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 40; i++ {
		loaded, err := Load(dir)
		if err != nil {
			t.Fatalf("Load %d during saves failed: %v", i, err)
		}
		if loaded.Len() != snap.Len() {
			t.Fatalf("Load %d saw %d records, want %d", i, loaded.Len(), snap.Len())
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}
