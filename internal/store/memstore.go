package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memCollection is one brute-force collection: every vector kept in memory,
// scored by linear scan. Intended for tests and small projects where HNSW's
// approximate search isn't worth the bookkeeping.
type memCollection struct {
	config   VectorStoreConfig
	vectors  map[string][]float32
	payloads map[string]map[string]string
}

// MemVectorStore is an exact, in-memory VectorStore implementation. It
// satisfies the same interface as HNSWStore so callers can swap between
// them without touching search or indexing code.
type MemVectorStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	closed      bool
}

// NewMemVectorStore creates an empty in-memory vector store.
func NewMemVectorStore() *MemVectorStore {
	return &MemVectorStore{collections: make(map[string]*memCollection)}
}

func (s *MemVectorStore) EnsureCollection(ctx context.Context, name string, cfg VectorStoreConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if existing, ok := s.collections[name]; ok && existing.config.Dimensions == cfg.Dimensions {
		return nil
	}
	s.collections[name] = &memCollection{
		config:   cfg,
		vectors:  make(map[string][]float32),
		payloads: make(map[string]map[string]string),
	}
	return nil
}

func (s *MemVectorStore) Add(ctx context.Context, collectionName string, ids []string, vectors [][]float32, payloads []map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	c, ok := s.collections[collectionName]
	if !ok {
		return ErrCollectionNotFound{Collection: collectionName}
	}

	for _, v := range vectors {
		if len(v) != c.config.Dimensions {
			return ErrDimensionMismatch{Collection: collectionName, Expected: c.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if c.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}
		c.vectors[id] = vec
		if payloads != nil && i < len(payloads) {
			c.payloads[id] = payloads[i]
		} else {
			delete(c.payloads, id)
		}
	}
	return nil
}

func (s *MemVectorStore) Search(ctx context.Context, collectionName string, query []float32, k int, filters []Filter) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	c, ok := s.collections[collectionName]
	if !ok {
		return nil, ErrCollectionNotFound{Collection: collectionName}
	}
	if len(query) != c.config.Dimensions {
		return nil, ErrDimensionMismatch{Collection: collectionName, Expected: c.config.Dimensions, Got: len(query)}
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	if c.config.Metric == "cos" {
		normalizeVectorInPlace(normalizedQuery)
	}

	results := make([]*VectorResult, 0, len(c.vectors))
	for id, vec := range c.vectors {
		payload := c.payloads[id]
		if !matchesFilters(payload, filters) {
			continue
		}
		dist := cosineDistance(normalizedQuery, vec)
		if c.config.Metric == "l2" {
			dist = euclideanDistance(normalizedQuery, vec)
		}
		results = append(results, &VectorResult{
			ID:       id,
			Distance: dist,
			Score:    distanceToScore(dist, c.config.Metric),
			Payload:  payload,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *MemVectorStore) Delete(ctx context.Context, collectionName string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	c, ok := s.collections[collectionName]
	if !ok {
		return ErrCollectionNotFound{Collection: collectionName}
	}
	for _, id := range ids {
		delete(c.vectors, id)
		delete(c.payloads, id)
	}
	return nil
}

// DeleteByFilter removes every vector in a collection whose payload matches
// filters, paging through the live ID set in deleteByFilterPageSize batches
// and repeating full passes until one finds nothing left to delete.
func (s *MemVectorStore) DeleteByFilter(ctx context.Context, collectionName string, filters []Filter) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		matched, err := s.matchingIDs(collectionName, filters, deleteByFilterPageSize)
		if err != nil {
			return total, err
		}
		if len(matched) == 0 {
			return total, nil
		}

		if err := s.Delete(ctx, collectionName, matched); err != nil {
			return total, err
		}
		total += len(matched)
	}
}

func (s *MemVectorStore) matchingIDs(collectionName string, filters []Filter, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	c, ok := s.collections[collectionName]
	if !ok {
		return nil, ErrCollectionNotFound{Collection: collectionName}
	}

	matched := make([]string, 0, limit)
	for id := range c.vectors {
		if !matchesFilters(c.payloads[id], filters) {
			continue
		}
		matched = append(matched, id)
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (s *MemVectorStore) Scroll(ctx context.Context, collectionName string, cursor string, limit int) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", fmt.Errorf("store is closed")
	}
	c, ok := s.collections[collectionName]
	if !ok {
		return nil, "", ErrCollectionNotFound{Collection: collectionName}
	}

	ids := make([]string, 0, len(c.vectors))
	for id := range c.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		idx := sort.SearchStrings(ids, cursor)
		if idx < len(ids) && ids[idx] == cursor {
			idx++
		}
		start = idx
	}
	if start >= len(ids) {
		return []string{}, "", nil
	}
	end := start + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}
	page := ids[start:end]
	nextCursor := ""
	if end < len(ids) {
		nextCursor = page[len(page)-1]
	}
	return page, nextCursor, nil
}

func (s *MemVectorStore) Contains(collectionName, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return false
	}
	_, exists := c.vectors[id]
	return exists
}

func (s *MemVectorStore) Count(collectionName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return 0
	}
	return len(c.vectors)
}

func (s *MemVectorStore) CollectionDimensions(collectionName string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return 0, false
	}
	return c.config.Dimensions, true
}

// Save is a no-op: MemVectorStore is intentionally volatile, used for tests
// and ephemeral sessions that don't need a persisted index.
func (s *MemVectorStore) Save(path string) error { return nil }

// Load is a no-op for the same reason Save is.
func (s *MemVectorStore) Load(path string) error { return nil }

func (s *MemVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.collections = nil
	return nil
}

var _ VectorStore = (*MemVectorStore)(nil)

func cosineDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
