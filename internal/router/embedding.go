// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder. baseURL may point at any
// OpenAI-compatible server; dimensions of zero uses the model default.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int, opts ...option.RequestOption) *OpenAIEmbedder {
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey == "" {
		// Local servers ignore the key but the client requires one.
		apiKey = "unused"
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	return &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// DefaultQueryCacheSize is how many query vectors an EmbeddingScorer keeps.
const DefaultQueryCacheSize = 1024

// EmbeddingScorer scores by cosine similarity between the query and each
// utterance, returning the best match clamped to [0, 1].
//
// Utterance vectors are cached for the life of the scorer; the set is fixed
// by the registry. Query vectors come from callers, so they live in an LRU
// of bounded size.
type EmbeddingScorer struct {
	embedder Embedder

	mu         sync.RWMutex
	utterances map[string][]float32
	queries    *lru.Cache[string, []float32]
}

// EmbeddingOption configures an EmbeddingScorer.
type EmbeddingOption func(*embeddingOptions)

type embeddingOptions struct {
	queryCacheSize int
}

// WithQueryCacheSize bounds the query vector cache. Zero or less disables
// query caching.
func WithQueryCacheSize(n int) EmbeddingOption {
	return func(o *embeddingOptions) { o.queryCacheSize = n }
}

// NewEmbeddingScorer wraps an Embedder.
func NewEmbeddingScorer(e Embedder, opts ...EmbeddingOption) *EmbeddingScorer {
	o := embeddingOptions{queryCacheSize: DefaultQueryCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	s := &EmbeddingScorer{embedder: e, utterances: make(map[string][]float32)}
	if o.queryCacheSize > 0 {
		// New only fails for a non-positive size.
		s.queries, _ = lru.New[string, []float32](o.queryCacheSize)
	}
	return s
}

// Score implements Scorer.
func (s *EmbeddingScorer) Score(ctx context.Context, query string, utterances []string) (float64, error) {
	if len(utterances) == 0 {
		return 0, nil
	}
	qv, uvs, err := s.lookup(ctx, query, utterances)
	if err != nil {
		return 0, err
	}

	best := 0.0
	for _, v := range uvs {
		if c := cosine(qv, v); c > best {
			best = c
		}
	}
	return math.Min(best, 1), nil
}

// QueryCacheLen reports how many query vectors are cached.
func (s *EmbeddingScorer) QueryCacheLen() int {
	if s.queries == nil {
		return 0
	}
	return s.queries.Len()
}

func (s *EmbeddingScorer) lookup(ctx context.Context, query string, utterances []string) ([]float32, [][]float32, error) {
	uvs := make([][]float32, len(utterances))
	var missing []string
	seen := make(map[string]bool)

	qv, ok := s.cachedQuery(query)
	if !ok {
		missing = append(missing, query)
		seen[query] = true
	}

	s.mu.RLock()
	for i, u := range utterances {
		if v, ok := s.utterances[u]; ok {
			uvs[i] = v
		} else if !seen[u] {
			seen[u] = true
			missing = append(missing, u)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return qv, uvs, nil
	}

	vecs, err := s.embedder.Embed(ctx, missing)
	if err != nil {
		return nil, nil, err
	}
	fresh := make(map[string][]float32, len(missing))
	for i, t := range missing {
		fresh[t] = vecs[i]
	}

	if qv == nil {
		qv = fresh[query]
		if s.queries != nil {
			s.queries.Add(query, qv)
		}
	}
	s.mu.Lock()
	for i, u := range utterances {
		if uvs[i] != nil {
			continue
		}
		if v, ok := fresh[u]; ok {
			s.utterances[u] = v
			uvs[i] = v
		} else {
			uvs[i] = s.utterances[u]
		}
	}
	s.mu.Unlock()
	return qv, uvs, nil
}

func (s *EmbeddingScorer) cachedQuery(query string) ([]float32, bool) {
	if s.queries == nil {
		return nil, false
	}
	return s.queries.Get(query)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
