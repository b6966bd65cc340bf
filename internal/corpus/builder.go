package corpus

import (
	"context"
	"fmt"
	"time"

	"github.com/califonix/opsqa/internal/embedding"
	"github.com/califonix/opsqa/internal/extract"
	"github.com/califonix/opsqa/internal/index"
	"github.com/califonix/opsqa/internal/logger"
	"github.com/google/uuid"
)

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 32

// ProgressReporter receives progress updates during index building.
type ProgressReporter interface {
	// OnProgress is called with the number of units embedded so far.
	OnProgress(current, total int)
}

// ProgressFunc is a function adapter for ProgressReporter.
type ProgressFunc func(current, total int)

// OnProgress implements ProgressReporter.
func (f ProgressFunc) OnProgress(current, total int) {
	f(current, total)
}

// BuildStats contains statistics from a snapshot build.
type BuildStats struct {
	BuildID   string        `json:"build_id"`
	Units     int           `json:"units"`
	Documents int           `json:"documents"`
	Batches   int           `json:"batches"`
	Duration  time.Duration `json:"duration"`
}

// Builder embeds extracted units and assembles a snapshot.
type Builder struct {
	provider  embedding.Provider
	batchSize int
	progress  ProgressReporter
	log       *logger.Logger
}

// NewBuilder creates a new snapshot builder.
func NewBuilder(provider embedding.Provider) *Builder {
	return &Builder{
		provider:  provider,
		batchSize: DefaultBatchSize,
		log:       logger.Nop(),
	}
}

// SetProgressReporter sets the progress reporter for the builder.
func (b *Builder) SetProgressReporter(reporter ProgressReporter) {
	b.progress = reporter
}

// SetBatchSize sets how many units are embedded per request. Values below 1 are ignored.
func (b *Builder) SetBatchSize(n int) {
	if n > 0 {
		b.batchSize = n
	}
}

// SetLogger sets the logger used for batch-level debug output.
func (b *Builder) SetLogger(l *logger.Logger) {
	b.log = logger.OrNop(l)
}

// Build embeds every unit in order and returns a snapshot whose position i
// holds units[i]. An empty unit list fails with extract.ErrEmptyCorpus.
func (b *Builder) Build(ctx context.Context, units []extract.Unit) (*Snapshot, *BuildStats, error) {
	if len(units) == 0 {
		return nil, nil, extract.ErrEmptyCorpus
	}

	startTime := time.Now()
	idx, err := index.NewFlat(b.provider.Dimensions())
	if err != nil {
		return nil, nil, fmt.Errorf("creating index: %w", err)
	}

	stats := &BuildStats{BuildID: uuid.NewString()}
	records := make([]Record, 0, len(units))
	total := len(units)

	for start := 0; start < total; start += b.batchSize {
		// Check for cancellation
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		end := start + b.batchSize
		if end > total {
			end = total
		}
		batch := units[start:end]

		texts := make([]string, len(batch))
		for i, u := range batch {
			texts[i] = u.Text
		}

		embs, err := b.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding units %d-%d: %w", start, end-1, err)
		}
		if len(embs) != len(batch) {
			return nil, nil, fmt.Errorf("embedding units %d-%d: got %d embeddings for %d texts", start, end-1, len(embs), len(batch))
		}

		for i, emb := range embs {
			if err := idx.Add(emb.Vector); err != nil {
				return nil, nil, fmt.Errorf("adding unit %d from %s: %w", start+i, batch[i].Source, err)
			}
			records = append(records, Record{Text: batch[i].Text, Source: batch[i].Source})
		}

		stats.Batches++
		b.log.Debug("embedded batch", "batch", stats.Batches, "units", len(batch))

		if b.progress != nil {
			b.progress.OnProgress(end, total)
		}
	}

	stats.Duration = time.Since(startTime)
	snap, err := New(idx, records, Manifest{
		BuildID:         stats.BuildID,
		ModelName:       b.provider.ModelName(),
		CreatedAt:       time.Now().UTC(),
		BuildDurationMs: stats.Duration.Milliseconds(),
	})
	if err != nil {
		return nil, nil, err
	}

	stats.Units = snap.Len()
	stats.Documents = snap.Manifest.Documents
	return snap, stats, nil
}
