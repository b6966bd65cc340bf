package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewOllamaProvider_Defaults(t *testing.T) {
	provider := NewOllamaProvider()

	if provider.baseURL != DefaultOllamaURL {
		t.Errorf("baseURL = %s, want %s", provider.baseURL, DefaultOllamaURL)
	}
	if provider.model != DefaultModel {
		t.Errorf("model = %s, want %s", provider.model, DefaultModel)
	}
	if provider.dimensions != DefaultDimensions {
		t.Errorf("dimensions = %d, want %d", provider.dimensions, DefaultDimensions)
	}
	if provider.client == nil {
		t.Error("client should not be nil")
	}
}

func TestNewOllamaProvider_WithOptions(t *testing.T) {
	customURL := "http://custom:8080"
	customModel := "custom-model"
	customDimensions := 768
	customTimeout := 60 * time.Second

	provider := NewOllamaProvider(
		WithBaseURL(customURL),
		WithModel(customModel),
		WithDimensions(customDimensions),
		WithTimeout(customTimeout),
	)

	if provider.baseURL != customURL {
		t.Errorf("baseURL = %s, want %s", provider.baseURL, customURL)
	}
	if provider.model != customModel {
		t.Errorf("model = %s, want %s", provider.model, customModel)
	}
	if provider.dimensions != customDimensions {
		t.Errorf("dimensions = %d, want %d", provider.dimensions, customDimensions)
	}
	if provider.client.Timeout != customTimeout {
		t.Errorf("timeout = %v, want %v", provider.client.Timeout, customTimeout)
	}
}

func TestOllamaProvider_ModelName(t *testing.T) {
	provider := NewOllamaProvider()
	if provider.ModelName() != DefaultModel {
		t.Errorf("ModelName() = %s, want %s", provider.ModelName(), DefaultModel)
	}

	customModel := "custom-model"
	provider2 := NewOllamaProvider(WithModel(customModel))
	if provider2.ModelName() != customModel {
		t.Errorf("ModelName() = %s, want %s", provider2.ModelName(), customModel)
	}
}

func TestOllamaProvider_Dimensions(t *testing.T) {
	provider := NewOllamaProvider()
	if provider.Dimensions() != DefaultDimensions {
		t.Errorf("Dimensions() = %d, want %d", provider.Dimensions(), DefaultDimensions)
	}

	customDimensions := 768
	provider2 := NewOllamaProvider(WithDimensions(customDimensions))
	if provider2.Dimensions() != customDimensions {
		t.Errorf("Dimensions() = %d, want %d", provider2.Dimensions(), customDimensions)
	}
}

func TestFormatErrorBody(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple error message",
			input:    "error occurred",
			expected: "error occurred",
		},
		{
			name:     "empty body",
			input:    "",
			expected: "",
		},
		{
			name:     "json error",
			input:    `{"error": "not found"}`,
			expected: `{"error": "not found"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatErrorBody(strings.NewReader(tt.input))
			if result != tt.expected {
				t.Errorf("formatErrorBody() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestOllamaProvider_ImplementsProvider(t *testing.T) {
	// Compile-time check that OllamaProvider implements Provider interface
	var _ Provider = (*OllamaProvider)(nil)
}

// newTestServer serves the Ollama endpoints used by OllamaProvider with fixed vectors.
func newTestServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv, _ := newRecordingServer(t, dims)
	return srv
}

// newRecordingServer is newTestServer that also records the embedding and
// unknown paths requested.
func newRecordingServer(t *testing.T, dims int) (*httptest.Server, *[]string) {
	t.Helper()
	vector := func(seed int) []float32 {
		v := make([]float32, dims)
		for i := range v {
			v[i] = float32(seed + i)
		}
		return v
	}

	var (
		mu    sync.Mutex
		paths []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		http.NotFound(w, r)
	})
	mux.HandleFunc(apiPathEmbed, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		var req ollamaBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := ollamaBatchResponse{}
		for _, in := range req.Input {
			if in == "fail" {
				http.Error(w, "model exploded", http.StatusInternalServerError)
				return
			}
			resp.Embeddings = append(resp.Embeddings, vector(len(in)))
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(apiPathTags, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaTagsResponse{Models: []ollamaModel{
			{Name: "all-minilm:l6-v2"},
			{Name: "mistral:latest"},
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &paths
}

func TestOllamaProvider_Embed(t *testing.T) {
	srv := newTestServer(t, 4)
	provider := NewOllamaProvider(WithBaseURL(srv.URL+"/"), WithDimensions(4))

	emb, err := provider.Embed(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if emb.Dimensions() != 4 || emb.Vector[0] != 3 {
		t.Errorf("Embed() = %v, want [3 4 5 6]", emb.Vector)
	}

	if _, err := provider.Embed(context.Background(), "fail"); err == nil {
		t.Error("expected error for server failure")
	} else if !strings.Contains(err.Error(), "model exploded") {
		t.Errorf("error should include response body, got %v", err)
	}
}

func TestOllamaProvider_EmbedDimensionMismatch(t *testing.T) {
	srv := newTestServer(t, 4)
	provider := NewOllamaProvider(WithBaseURL(srv.URL), WithDimensions(384))

	if _, err := provider.Embed(context.Background(), "abc"); err == nil {
		t.Error("expected dimension mismatch error")
	}
	if _, err := provider.EmbedBatch(context.Background(), []string{"abc"}); err == nil {
		t.Error("expected dimension mismatch error for batch")
	}
}

func TestOllamaProvider_EmbedBatch(t *testing.T) {
	srv := newTestServer(t, 2)
	provider := NewOllamaProvider(WithBaseURL(srv.URL), WithDimensions(2), WithRateLimit(1000))

	embs, err := provider.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(embs) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(embs))
	}
	for i, want := range []float32{1, 3, 2} {
		if embs[i].Vector[0] != want {
			t.Errorf("embedding %d starts with %v, want %v", i, embs[i].Vector[0], want)
		}
	}

	empty, err := provider.EmbedBatch(context.Background(), nil)
	if err != nil || empty != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", empty, err)
	}
}

func TestOllamaProvider_BatchMatchesSingle(t *testing.T) {
	srv, paths := newRecordingServer(t, 3)
	provider := NewOllamaProvider(WithBaseURL(srv.URL), WithDimensions(3))
	ctx := context.Background()

	single, err := provider.Embed(ctx, "belt problem")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	batch, err := provider.EmbedBatch(ctx, []string{"belt problem"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	for i := range single.Vector {
		if single.Vector[i] != batch[0].Vector[i] {
			t.Fatalf("batch vector %v differs from single %v", batch[0].Vector, single.Vector)
		}
	}

	// Queries and snippets must come from the same endpoint, otherwise the
	// server is free to normalize them differently.
	if len(*paths) != 2 {
		t.Fatalf("server saw %d requests, want 2: %v", len(*paths), *paths)
	}
	for i, p := range *paths {
		if p != apiPathEmbed {
			t.Errorf("request %d went to %s, want %s", i, p, apiPathEmbed)
		}
	}
}

func TestOllamaProvider_RateLimitCanceled(t *testing.T) {
	srv := newTestServer(t, 2)
	provider := NewOllamaProvider(WithBaseURL(srv.URL), WithDimensions(2), WithRateLimit(0.001))
	ctx, cancel := context.WithCancel(context.Background())

	// The first request consumes the only token
	if _, err := provider.Embed(ctx, "a"); err != nil {
		t.Fatalf("first Embed failed: %v", err)
	}
	cancel()
	if _, err := provider.Embed(ctx, "b"); err == nil {
		t.Error("expected error once the context is canceled")
	}
}

func TestOllamaProvider_HealthChecks(t *testing.T) {
	srv := newTestServer(t, 2)
	ctx := context.Background()

	provider := NewOllamaProvider(WithBaseURL(srv.URL))
	if err := provider.IsAvailable(ctx); err != nil {
		t.Errorf("IsAvailable() = %v, want nil", err)
	}

	tests := []struct {
		model string
		want  bool
	}{
		{"all-minilm:l6-v2", true},
		{"mistral", true},
		{"llama2", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := NewOllamaProvider(WithBaseURL(srv.URL), WithModel(tt.model)).HasModel(ctx)
			if err != nil {
				t.Fatalf("HasModel failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasModel(%s) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}

	down := NewOllamaProvider(WithBaseURL("http://127.0.0.1:1"))
	if err := down.IsAvailable(ctx); err == nil {
		t.Error("expected error for unreachable server")
	}
}
