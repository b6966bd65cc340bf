package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/califonix/opsqa/internal/index"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	// IndexFile holds the binary vector index.
	IndexFile = "index.bin"

	// SourcesFile holds the JSON array of source labels.
	SourcesFile = "sources.json"

	// TextsFile holds the JSON array of text units.
	TextsFile = "texts.json"

	// ManifestFile holds build metadata. Optional when loading.
	ManifestFile = "manifest.json"

	lockRetryDelay = 100 * time.Millisecond
)

// LockTimeout bounds how long Save and Load wait for the snapshot lock.
var LockTimeout = 10 * time.Second

// RequiredFiles are the artifacts that must all be present for a snapshot to load.
var RequiredFiles = []string{IndexFile, SourcesFile, TextsFile}

// lockPath returns the lock file guarding a snapshot directory.
func lockPath(dir string) string {
	return filepath.Clean(dir) + ".lock"
}

// acquire takes the snapshot lock, shared for readers and exclusive for writers.
func acquire(dir string, exclusive bool) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dir)), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot parent directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	fl := flock.New(lockPath(dir))
	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquiring snapshot lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock: %s)", ErrLocked, lockPath(dir))
	}
	return fl, nil
}

// Save writes the snapshot to dir, replacing any previous snapshot there.
//
// All artifacts are written to a staging directory first and then swapped in
// with renames while holding an exclusive lock, so readers never see a mix of
// old and new artifacts.
func (s *Snapshot) Save(dir string) error {
	fl, err := acquire(dir, true)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	dir = filepath.Clean(dir)
	staging := dir + ".tmp-" + uuid.NewString()
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	if err := s.writeArtifacts(staging); err != nil {
		os.RemoveAll(staging)
		return err
	}

	var old string
	if _, err := os.Stat(dir); err == nil {
		old = dir + ".old-" + uuid.NewString()
		if err := os.Rename(dir, old); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("moving previous snapshot aside: %w", err)
		}
	}

	if err := os.Rename(staging, dir); err != nil {
		if old != "" {
			os.Rename(old, dir)
		}
		os.RemoveAll(staging)
		return fmt.Errorf("installing snapshot: %w", err)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("removing previous snapshot: %w", err)
		}
	}
	return nil
}

// writeArtifacts writes every snapshot file into dir.
func (s *Snapshot) writeArtifacts(dir string) error {
	idxFile, err := os.Create(filepath.Join(dir, IndexFile))
	if err != nil {
		return fmt.Errorf("creating index file: %w", err)
	}
	if _, err := s.Index.WriteTo(idxFile); err != nil {
		idxFile.Close()
		return fmt.Errorf("writing index: %w", err)
	}
	if err := syncAndClose(idxFile); err != nil {
		return fmt.Errorf("closing index file: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, SourcesFile), s.Sources()); err != nil {
		return fmt.Errorf("writing sources: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, TextsFile), s.Texts()); err != nil {
		return fmt.Errorf("writing texts: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, ManifestFile), s.Manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return syncAndClose(f)
}

func syncAndClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a snapshot from dir. It fails with ErrSnapshotNotFound if the
// directory or any required artifact is missing, and with ErrInconsistent if
// the artifacts disagree in length.
func Load(dir string) (*Snapshot, error) {
	// The lock file lives beside dir; without a parent there is nothing to lock or load.
	if _, err := os.Stat(filepath.Dir(filepath.Clean(dir))); os.IsNotExist(err) {
		return nil, ErrSnapshotNotFound
	}

	// Save briefly moves dir aside while swapping, so look for it only under the lock.
	fl, err := acquire(dir, false)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("checking snapshot directory: %w", err)
	}

	for _, name := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: missing %s", ErrSnapshotNotFound, name)
			}
			return nil, fmt.Errorf("checking %s: %w", name, err)
		}
	}

	idxFile, err := os.Open(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	idx, err := index.Read(idxFile)
	idxFile.Close()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	var sources, texts []string
	if err := readJSON(filepath.Join(dir, SourcesFile), &sources); err != nil {
		return nil, fmt.Errorf("reading sources: %w", err)
	}
	if err := readJSON(filepath.Join(dir, TextsFile), &texts); err != nil {
		return nil, fmt.Errorf("reading texts: %w", err)
	}

	if len(sources) != len(texts) || len(texts) != idx.Len() {
		return nil, fmt.Errorf("%w: %d vectors, %d texts, %d sources (rebuild with 'opsqa index build')",
			ErrInconsistent, idx.Len(), len(texts), len(sources))
	}

	var m Manifest
	if err := readJSON(filepath.Join(dir, ManifestFile), &m); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if m.Version > CurrentManifestVersion {
		return nil, fmt.Errorf("%w: manifest version %d is newer than supported %d", ErrInconsistent, m.Version, CurrentManifestVersion)
	}

	records := make([]Record, len(texts))
	for i := range texts {
		records[i] = Record{Text: texts[i], Source: sources[i]}
	}
	return New(idx, records, m)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Exists reports whether every required artifact is present in dir.
func Exists(dir string) bool {
	for _, name := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Size returns the total size in bytes of the snapshot files in dir.
func Size(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrSnapshotNotFound
		}
		return 0, err
	}

	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
