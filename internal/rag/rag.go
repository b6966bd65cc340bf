// Package rag answers questions by retrieving report snippets from a corpus
// snapshot and handing them, with the question, to a language model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/califonix/opsqa/internal/corpus"
	"github.com/califonix/opsqa/internal/embedding"
	"github.com/califonix/opsqa/internal/generate"
	"github.com/califonix/opsqa/internal/logger"
)

// DefaultK is the number of snippets retrieved per question.
const DefaultK = 3

// DefaultModels are the generation models a question may be routed to.
var DefaultModels = []string{"mistral", "llama2"}

// Errors returned before any retrieval or generation happens.
var (
	ErrEmptyQuery   = errors.New("query is empty")
	ErrUnknownModel = errors.New("unknown generation model")
	ErrNoGenerator  = errors.New("no generator configured")
)

// QueryEmbedder turns a question into a vector in the snapshot's space.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) (embedding.Embedding, error)
}

// Hit is one retrieved snippet.
type Hit struct {
	Position int     `json:"position"`
	Distance float32 `json:"distance"`
	Text     string  `json:"text"`
	Source   string  `json:"source"`
}

// Retrieval is everything assembled for a question before generation.
type Retrieval struct {
	Query   string   `json:"query"`
	Hits    []Hit    `json:"hits"`
	Context string   `json:"-"`
	Sources []string `json:"sources"` // distinct, sorted
	Prompt  string   `json:"-"`
}

// Attribution renders the contributing sources as a comma-joined list.
func (r *Retrieval) Attribution() string {
	return strings.Join(r.Sources, ", ")
}

// Answer is the outcome of Ask. Exactly one of Text and Failure is set.
type Answer struct {
	*Retrieval
	Model   string            `json:"model"`
	Text    string            `json:"answer,omitempty"`
	Failure *generate.Failure `json:"failure,omitempty"`
}

// Display returns the answer text, or the labeled failure message in its place.
func (a *Answer) Display() string {
	if a.Failure != nil {
		return a.Failure.Error()
	}
	return a.Text
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithK sets the default number of snippets retrieved.
func WithK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.k = k
		}
	}
}

// WithOrganization sets the organization named in the prompt.
func WithOrganization(org string) Option {
	return func(r *Retriever) {
		if org != "" {
			r.organization = org
		}
	}
}

// WithModels sets the enumerated generation models Ask accepts.
func WithModels(models []string) Option {
	return func(r *Retriever) {
		if len(models) > 0 {
			r.models = models
		}
	}
}

// WithGenerator sets the generator used by Ask.
func WithGenerator(g generate.Generator) Option {
	return func(r *Retriever) {
		r.generator = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Retriever) {
		r.log = logger.OrNop(l)
	}
}

// Retriever runs questions against a loaded snapshot. It holds no mutable
// state and is safe for concurrent use.
type Retriever struct {
	snapshot     *corpus.Snapshot
	embedder     QueryEmbedder
	generator    generate.Generator
	k            int
	organization string
	models       []string
	log          *logger.Logger
}

// NewRetriever creates a retriever over snap.
func NewRetriever(snap *corpus.Snapshot, embedder QueryEmbedder, opts ...Option) (*Retriever, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", corpus.ErrSnapshotNotFound)
	}
	if embedder == nil {
		return nil, errors.New("query embedder is required")
	}

	r := &Retriever{
		snapshot:     snap,
		embedder:     embedder,
		k:            DefaultK,
		organization: DefaultOrganization,
		models:       DefaultModels,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Models returns the generation models Ask accepts.
func (r *Retriever) Models() []string {
	return r.models
}

// SnippetCount returns the number of snippets in the loaded snapshot.
func (r *Retriever) SnippetCount() int {
	return r.snapshot.Len()
}

// CheckModel reports ErrUnknownModel unless model is one of the configured models.
func (r *Retriever) CheckModel(model string) error {
	for _, m := range r.models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (choose one of %s)", ErrUnknownModel, model, strings.Join(r.models, ", "))
}

// Retrieve embeds the query, finds the k nearest snippets and assembles the
// context block, attribution and prompt. A k of 0 uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (*Retrieval, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k == 0 {
		k = r.k
	}

	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	found, err := r.snapshot.Index.Search(emb.Vector, k)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	hits := make([]Hit, len(found))
	texts := make([]string, len(found))
	seen := make(map[string]bool)
	var sources []string
	for i, h := range found {
		rec := r.snapshot.Records[h.Position]
		hits[i] = Hit{Position: h.Position, Distance: h.Distance, Text: rec.Text, Source: rec.Source}
		texts[i] = rec.Text
		if !seen[rec.Source] {
			seen[rec.Source] = true
			sources = append(sources, rec.Source)
		}
	}
	sort.Strings(sources)

	block := BuildContext(texts)
	r.log.Debug("retrieved context", "k", k, "hits", len(hits), "sources", len(sources))

	return &Retrieval{
		Query:   query,
		Hits:    hits,
		Context: block,
		Sources: sources,
		Prompt:  BuildPrompt(r.organization, block, query),
	}, nil
}

// Ask retrieves context for query and generates an answer with model.
//
// Validation and retrieval errors are returned as errors. A generation failure
// is not: it is carried in Answer.Failure alongside the intact retrieval.
func (r *Retriever) Ask(ctx context.Context, query, model string, k int) (*Answer, error) {
	if err := r.CheckModel(model); err != nil {
		return nil, err
	}
	if r.generator == nil {
		return nil, ErrNoGenerator
	}

	ret, err := r.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}

	answer := &Answer{Retrieval: ret, Model: model}
	text, err := r.generator.Generate(ctx, ret.Prompt, model)
	if err != nil {
		var f *generate.Failure
		if !errors.As(err, &f) {
			f = &generate.Failure{Kind: generate.KindInvocation, Model: model, Detail: err.Error()}
		}
		r.log.Warn("generation failed", "model", model, "kind", f.Kind)
		answer.Failure = f
		return answer, nil
	}

	answer.Text = text
	return answer, nil
}
