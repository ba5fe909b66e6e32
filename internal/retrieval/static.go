package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// StaticStore serves documents from memory. It backs development mode and
// tests, and is the store behind tenants that ship their knowledge base in
// the profile file instead of a vector collection.
type StaticStore struct {
	mu   sync.RWMutex
	docs map[string][]Document
}

func NewStaticStore() *StaticStore {
	return &StaticStore{docs: make(map[string][]Document)}
}

// SetDocuments replaces the tenant's document set.
func (s *StaticStore) SetDocuments(tenantID string, docs []Document) {
	s.mu.Lock()
	s.docs[tenantID] = docs
	s.mu.Unlock()
}

func (s *StaticStore) FetchDocuments(_ context.Context, tenantID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[tenantID], nil
}

// HashEmbedder maps text to a deterministic unit vector. Identical strings
// embed identically and share full similarity, which is all development mode
// and tests need from an embedding space.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = 16
	}
	vec := make([]float32, dims)
	hash := fnv.New64a()
	hash.Write([]byte(text))
	seed := hash.Sum64()
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float32(int64(seed>>32)) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}
