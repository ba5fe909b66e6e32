// Package retrieval answers "what does this tenant's knowledge base say"
// and enforces the grounding gate: generation may only run on passages that
// cleared the similarity threshold. The gate lives here so every caller
// shares one enforcement point.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// MinSimilarity is the hard grounding gate. Results below it must not
	// reach generation anywhere in the system.
	MinSimilarity = 0.75

	// DefaultTopK is how many passages a query returns.
	DefaultTopK = 3

	// docCacheTTL bounds how stale a tenant's cached document set may get.
	docCacheTTL = 5 * time.Minute
)

// Context is one retrieved passage with its similarity to the query.
type Context struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
}

// Document is an indexed knowledge passage with its embedding.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
}

// DocumentStore loads a tenant's indexed documents.
type DocumentStore interface {
	FetchDocuments(ctx context.Context, tenantID string) ([]Document, error)
}

// Embedder turns query text into the vector space of the stored documents.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrLowGrounding marks a query whose results did not clear the gate. The
// caller must answer from the safe-fallback path, never from generation.
var ErrLowGrounding = errors.New("retrieval results below grounding threshold")

// LowGroundingError carries the best score for logging and guardrail reuse.
type LowGroundingError struct {
	Best    float64
	Results int
}

func (e *LowGroundingError) Error() string {
	if e.Results == 0 {
		return "retrieval returned no documents"
	}
	return fmt.Sprintf("best similarity %.2f below threshold %.2f", e.Best, MinSimilarity)
}

func (e *LowGroundingError) Unwrap() error { return ErrLowGrounding }

// Retriever queries per-tenant document sets by cosine similarity. Document
// sets are cached for a short TTL and refreshed through singleflight so a
// burst of queries for one tenant fetches once.
type Retriever struct {
	store    DocumentStore
	embedder Embedder
	topK     int
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]*cachedDocs
	group singleflight.Group

	now func() time.Time
}

type cachedDocs struct {
	docs      []Document
	fetchedAt time.Time
}

func New(store DocumentStore, embedder Embedder, log zerolog.Logger) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		topK:     DefaultTopK,
		log:      log,
		cache:    make(map[string]*cachedDocs),
		now:      time.Now,
	}
}

// Retrieve returns the top-K passages for the query, already gated: a nil
// error guarantees at least one context at or above MinSimilarity.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string) ([]Context, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	docs, err := r.docsFor(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load documents for %s: %w", tenantID, err)
	}
	if len(docs) == 0 {
		return nil, &LowGroundingError{}
	}

	scored := make([]Context, 0, len(docs))
	for _, d := range docs {
		scored = append(scored, Context{
			Text:     d.Text,
			Score:    cosineSimilarity(vec, d.Embedding),
			SourceID: d.ID,
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > r.topK {
		scored = scored[:r.topK]
	}

	if scored[0].Score < MinSimilarity {
		return nil, &LowGroundingError{Best: scored[0].Score, Results: len(scored)}
	}
	return scored, nil
}

// InvalidateTenant drops the cached document set, for use when the tenant's
// knowledge base changes.
func (r *Retriever) InvalidateTenant(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

func (r *Retriever) docsFor(ctx context.Context, tenantID string) ([]Document, error) {
	r.mu.Lock()
	if c, ok := r.cache[tenantID]; ok && r.now().Sub(c.fetchedAt) < docCacheTTL {
		docs := c.docs
		r.mu.Unlock()
		return docs, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		docs, err := r.store.FetchDocuments(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[tenantID] = &cachedDocs{docs: docs, fetchedAt: r.now()}
		r.mu.Unlock()
		r.log.Debug().Str("tenant", tenantID).Int("docs", len(docs)).Msg("document cache refreshed")
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Document), nil
}

// cosineSimilarity is zero for mismatched or zero-length vectors, so junk
// vectors can never clear the gate.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
