package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/coder/hnsw"
)

// hnswCollection holds one named graph plus its ID/payload mappings.
type hnswCollection struct {
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]map[string]string
	nextKey  uint64
}

// hnswCollectionMetadata is the persisted shape of a collection.
type hnswCollectionMetadata struct {
	IDMap    map[string]uint64
	Payloads map[string]map[string]string
	NextKey  uint64
	Config   VectorStoreConfig
}

// hnswStoreMetadata is the persisted shape of the whole store.
type hnswStoreMetadata struct {
	Collections map[string]hnswCollectionMetadata
}

// HNSWStore implements VectorStore as a set of independent HNSW graphs, one
// per named collection, using the pure-Go coder/hnsw implementation.
type HNSWStore struct {
	mu          sync.RWMutex
	collections map[string]*hnswCollection
	closed      bool
}

// NewHNSWStore creates an empty multi-collection HNSW store. Collections are
// created on first EnsureCollection/Add call.
func NewHNSWStore() (*HNSWStore, error) {
	return &HNSWStore{
		collections: make(map[string]*hnswCollection),
	}, nil
}

func newHNSWCollection(cfg VectorStoreConfig) *hnswCollection {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &hnswCollection{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]map[string]string),
	}
}

// EnsureCollection creates the collection if absent. If it exists with a
// different dimension, it is dropped and recreated: a model swap invalidates
// any vectors stored under the old dimension anyway.
func (s *HNSWStore) EnsureCollection(ctx context.Context, name string, cfg VectorStoreConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	existing, ok := s.collections[name]
	if ok && existing.config.Dimensions == cfg.Dimensions {
		return nil
	}
	if ok {
		slog.Warn("recreating collection due to dimension change",
			slog.String("collection", name),
			slog.Int("old_dimensions", existing.config.Dimensions),
			slog.Int("new_dimensions", cfg.Dimensions))
	}

	s.collections[name] = newHNSWCollection(cfg)
	return nil
}

func (s *HNSWStore) collection(name string) (*hnswCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound{Collection: name}
	}
	return c, nil
}

// Add inserts vectors with their IDs and optional metadata payloads. Existing
// IDs are replaced (lazy delete + insert).
func (s *HNSWStore) Add(ctx context.Context, collectionName string, ids []string, vectors [][]float32, payloads []map[string]string) error {
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

	c, err := s.collection(collectionName)
	if err != nil {
		return err
	}

	for _, v := range vectors {
		if len(v) != c.config.Dimensions {
			return ErrDimensionMismatch{Collection: collectionName, Expected: c.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := c.idMap[id]; exists {
			// Lazy deletion: orphan the old key rather than call graph.Delete,
			// which breaks coder/hnsw when deleting the last remaining node.
			delete(c.keyMap, existingKey)
			delete(c.idMap, id)
		}

		key := c.nextKey
		c.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if c.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		node := hnsw.MakeNode(key, vec)
		c.graph.Add(node)

		c.idMap[id] = key
		c.keyMap[key] = id
		if payloads != nil && i < len(payloads) {
			c.payloads[id] = payloads[i]
		} else {
			delete(c.payloads, id)
		}
	}

	return nil
}

// Search finds k nearest neighbors to query within a collection, applying
// filters against each candidate's stored payload. Filters are evaluated
// in-memory post-search since coder/hnsw has no native predicate support;
// this widens the graph search to compensate for filtered-out candidates.
func (s *HNSWStore) Search(ctx context.Context, collectionName string, query []float32, k int, filters []Filter) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	c, err := s.collection(collectionName)
	if err != nil {
		return nil, err
	}

	if len(query) != c.config.Dimensions {
		return nil, ErrDimensionMismatch{Collection: collectionName, Expected: c.config.Dimensions, Got: len(query)}
	}

	if c.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	if c.config.Metric == "cos" {
		normalizeVectorInPlace(normalizedQuery)
	}

	// Overfetch when filters are present since some candidates will be
	// dropped post-search.
	searchK := k
	if len(filters) > 0 {
		searchK = k * 10
		if searchK < 100 {
			searchK = 100
		}
	}

	nodes := c.graph.Search(normalizedQuery, searchK)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, exists := c.keyMap[node.Key]
		if !exists {
			continue // orphaned (lazily deleted) node
		}

		payload := c.payloads[id]
		if !matchesFilters(payload, filters) {
			continue
		}

		distance := c.graph.Distance(normalizedQuery, node.Value)
		score := distanceToScore(distance, c.config.Metric)

		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    score,
			Payload:  payload,
		})

		if len(results) >= k {
			break
		}
	}

	return results, nil
}

// matchesFilters returns true if payload satisfies every filter (AND
// semantics). A missing field never satisfies a clause referencing it.
func matchesFilters(payload map[string]string, filters []Filter) bool {
	for _, f := range filters {
		v, ok := payload[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case FilterOpEq:
			if v != f.EqValue {
				return false
			}
		case FilterOpIn:
			found := false
			for _, want := range f.InValues {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case FilterOpRange:
			num, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return false
			}
			if f.RangeGTE != nil && num < *f.RangeGTE {
				return false
			}
			if f.RangeLTE != nil && num > *f.RangeLTE {
				return false
			}
			if f.RangeGT != nil && num <= *f.RangeGT {
				return false
			}
			if f.RangeLT != nil && num >= *f.RangeLT {
				return false
			}
		}
	}
	return true
}

// Delete removes vectors by ID from a collection via lazy deletion.
func (s *HNSWStore) Delete(ctx context.Context, collectionName string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	c, err := s.collection(collectionName)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
			delete(c.payloads, id)
		}
	}

	return nil
}

// deleteByFilterPageSize bounds how many matching IDs DeleteByFilter
// collects and deletes per pass, so a purge against a large collection
// doesn't hold the store lock for one unbounded scan-and-delete.
const deleteByFilterPageSize = 500

// DeleteByFilter removes every vector in a collection whose payload matches
// filters. It pages through the live ID set in deleteByFilterPageSize
// batches, deleting each batch before collecting the next, and repeats full
// passes until one turns up nothing left to delete.
func (s *HNSWStore) DeleteByFilter(ctx context.Context, collectionName string, filters []Filter) (int, error) {
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

// matchingIDs returns up to limit IDs from collection whose payload matches
// filters, in no particular order.
func (s *HNSWStore) matchingIDs(collectionName string, filters []Filter, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	c, err := s.collection(collectionName)
	if err != nil {
		return nil, err
	}

	matched := make([]string, 0, limit)
	for id := range c.idMap {
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

// Scroll returns a page of IDs from a collection in stable sorted order,
// for cursor-based pagination of bulk operations like reindex cleanup.
func (s *HNSWStore) Scroll(ctx context.Context, collectionName string, cursor string, limit int) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, "", fmt.Errorf("store is closed")
	}

	c, err := s.collection(collectionName)
	if err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(c.idMap))
	for id := range c.idMap {
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

// Contains checks if an ID exists within a collection.
func (s *HNSWStore) Contains(collectionName, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	c, ok := s.collections[collectionName]
	if !ok {
		return false
	}
	_, exists := c.idMap[id]
	return exists
}

// Count returns the number of live vectors in a collection.
func (s *HNSWStore) Count(collectionName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	c, ok := s.collections[collectionName]
	if !ok {
		return 0
	}
	return len(c.idMap)
}

// CollectionDimensions returns a collection's configured dimension.
func (s *HNSWStore) CollectionDimensions(collectionName string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collectionName]
	if !ok {
		return 0, false
	}
	return c.config.Dimensions, true
}

// Save persists every collection's graph and metadata to disk under a
// shared directory, one pair of files per collection.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	for name, c := range s.collections {
		graphPath := collectionGraphPath(path, name)

		tmpPath := graphPath + ".tmp"
		file, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create index file for %s: %w", name, err)
		}
		if err := c.graph.Export(file); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("export graph for %s: %w", name, err)
		}
		if err := file.Close(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("close index file for %s: %w", name, err)
		}
		if err := os.Rename(tmpPath, graphPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename index file for %s: %w", name, err)
		}
	}

	return s.saveMetadata(path + ".meta")
}

func collectionGraphPath(basePath, collection string) string {
	return basePath + "." + collection
}

func (s *HNSWStore) saveMetadata(path string) error {
	meta := hnswStoreMetadata{Collections: make(map[string]hnswCollectionMetadata, len(s.collections))}
	for name, c := range s.collections {
		meta.Collections[name] = hnswCollectionMetadata{
			IDMap:    c.idMap,
			Payloads: c.payloads,
			NextKey:  c.nextKey,
			Config:   c.config,
		}
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load loads every collection's graph and metadata from disk.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	metaPath := path + ".meta"
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return nil // fresh start, nothing to load
	}

	var meta hnswStoreMetadata
	file, err := os.Open(metaPath)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	decErr := gob.NewDecoder(file).Decode(&meta)
	if closeErr := file.Close(); closeErr != nil {
		slog.Warn("failed to close metadata file", slog.String("error", closeErr.Error()))
	}
	if decErr != nil {
		return fmt.Errorf("decode hnsw metadata: %w", decErr)
	}

	s.collections = make(map[string]*hnswCollection, len(meta.Collections))
	for name, cm := range meta.Collections {
		c := newHNSWCollection(cm.Config)
		c.idMap = cm.IDMap
		c.payloads = cm.Payloads
		if c.payloads == nil {
			c.payloads = make(map[string]map[string]string)
		}
		c.nextKey = cm.NextKey
		for id, key := range c.idMap {
			c.keyMap[key] = id
		}

		graphPath := collectionGraphPath(path, name)
		if gf, err := os.Open(graphPath); err == nil {
			reader := bufio.NewReader(gf)
			importErr := c.graph.Import(reader)
			gf.Close()
			if importErr != nil {
				return fmt.Errorf("import graph for %s: %w", name, importErr)
			}
		}

		s.collections[name] = c
	}

	return nil
}

// Compact rebuilds every collection's graph from its live vectors, dropping
// the orphaned nodes left behind by lazy deletion during Add/Delete. Returns
// the number of orphaned nodes removed per collection.
func (s *HNSWStore) Compact(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	removed := make(map[string]int, len(s.collections))
	for name, c := range s.collections {
		before := c.graph.Len()

		fresh := newHNSWCollection(c.config)
		ids := make([]string, 0, len(c.idMap))
		for id := range c.idMap {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			key := c.idMap[id]
			vec, ok := c.graph.Lookup(key)
			if !ok {
				continue
			}

			newKey := fresh.nextKey
			fresh.nextKey++
			fresh.graph.Add(hnsw.MakeNode(newKey, vec))
			fresh.idMap[id] = newKey
			fresh.keyMap[newKey] = id
			if payload, ok := c.payloads[id]; ok {
				fresh.payloads[id] = payload
			}
		}

		s.collections[name] = fresh
		removed[name] = before - fresh.graph.Len()
	}

	return removed, nil
}

// Close releases all resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.collections = nil
	return nil
}

var _ VectorStore = (*HNSWStore)(nil)

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance value to a similarity score in 0-1.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
