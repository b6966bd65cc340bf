package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/califonix/opsqa/internal/logger"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds how many documents are parsed at once.
const DefaultWorkers = 4

// Options configures directory extraction.
type Options struct {
	Workers int
	Logger  *logger.Logger
}

// ListSources returns the paths of supported report files directly inside dir,
// sorted by name. Subdirectories are not descended into.
func ListSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsSupported(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// File extracts one source document. Parse failures are recorded on the
// returned Document rather than returned, so a batch can carry on.
func File(path string) Document {
	name := filepath.Base(path)
	doc := Document{Name: name, Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		doc.Mode = ModeSkipped
		doc.Err = &Skipped{Name: name, Err: err}
		return doc
	}
	doc.SHA256 = fmt.Sprintf("%x", sha256.Sum256(data))

	t, err := ReadTable(name, bytes.NewReader(data))
	if err != nil {
		doc.Mode = ModeSkipped
		doc.Err = &Skipped{Name: name, Err: err}
		return doc
	}

	doc.Units, doc.Mode = Extract(t)
	return doc
}

// Dir extracts every supported report in dir.
//
// Documents are parsed concurrently but the result is ordered by name, and
// units keep their row order, so identical inputs give identical corpora.
// Unreadable documents are logged and skipped. ErrEmptyCorpus is returned,
// together with the result, when nothing at all could be extracted.
func Dir(ctx context.Context, dir string, opts Options) (*Result, error) {
	log := logger.OrNop(opts.Logger)
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	paths, err := ListSources(dir)
	if err != nil {
		return nil, fmt.Errorf("listing data directory: %w", err)
	}

	docs := make([]Document, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc := File(path)
			switch doc.Mode {
			case ModeSkipped:
				log.Warn("skipping unreadable document", "file", doc.Name, "error", doc.Err)
			case ModeIssues:
				log.Info("extracted issues", "file", doc.Name, "units", len(doc.Units))
			case ModeFallback:
				log.Info("no issue columns, added entire sheet", "file", doc.Name)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Documents: docs}
	if len(res.Units()) == 0 {
		return res, ErrEmptyCorpus
	}
	return res, nil
}
