package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmilco/clams-sub000/internal/embed"
	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
)

// StoreMemoryInput carries the fields needed to persist a new memory.
type StoreMemoryInput struct {
	ProjectID string            `json:"project_id,omitempty" jsonschema:"owning project; defaults to the server's project"`
	Category  string            `json:"category" jsonschema:"preference, fact, event, workflow, or context"`
	Content   string            `json:"content" jsonschema:"the memory text"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StoreMemoryOutput is the minimal response to a successful store.
type StoreMemoryOutput struct {
	ID string `json:"id"`
}

// memoryID derives a content-addressable memory ID, matching
// internal/store.Memory's documented ID scheme.
func memoryID(projectID, content string) string {
	sum := sha256.Sum256([]byte(projectID + content))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Server) mcpStoreMemoryHandler(ctx context.Context, _ *mcp.CallToolRequest, input StoreMemoryInput) (*mcp.CallToolResult, StoreMemoryOutput, error) {
	requestID := generateRequestID()
	s.logger.Debug("store_memory", slog.String("request_id", requestID), slog.String("category", input.Category))

	if input.Content == "" {
		return nil, StoreMemoryOutput{}, MapError(amerrors.ValidationError("content is required", nil))
	}
	category := store.MemoryCategory(input.Category)
	switch category {
	case store.CategoryPreference, store.CategoryFact, store.CategoryEvent, store.CategoryWorkflow, store.CategoryContext:
	default:
		return nil, StoreMemoryOutput{}, MapError(amerrors.ValidationError("category must be one of preference, fact, event, workflow, context", nil))
	}
	if s.embedders == nil || s.vectors == nil {
		return nil, StoreMemoryOutput{}, MapError(amerrors.InternalError("memory storage is not configured", nil))
	}

	projectID := s.projectOrDefault(input.ProjectID)
	now := time.Now()
	mem := &store.Memory{
		ID:        memoryID(projectID, input.Content),
		ProjectID: projectID,
		Category:  category,
		Content:   input.Content,
		Tags:      input.Tags,
		Metadata:  input.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	embedder, err := s.embedders.Get(ctx, embed.RoleSemantic)
	if err != nil {
		return nil, StoreMemoryOutput{}, MapError(amerrors.InternalError("acquire semantic embedder", err))
	}
	vec, err := embedder.Embed(ctx, mem.Content)
	if err != nil {
		return nil, StoreMemoryOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeEmbeddingFailed, err))
	}

	if err := s.vectors.EnsureCollection(ctx, store.CollectionMemories, store.DefaultVectorStoreConfig(embedder.Dimensions())); err != nil {
		return nil, StoreMemoryOutput{}, MapError(amerrors.StorageError("ensure memories collection", err))
	}
	payload := map[string]string{"category": string(category), "project_id": projectID}
	if err := s.vectors.Add(ctx, store.CollectionMemories, []string{mem.ID}, [][]float32{vec}, []map[string]string{payload}); err != nil {
		return nil, StoreMemoryOutput{}, MapError(amerrors.StorageError("add memory vector", err))
	}
	if err := s.metadata.SaveMemory(ctx, mem); err != nil {
		return nil, StoreMemoryOutput{}, MapError(amerrors.StorageError("save memory", err))
	}

	return nil, StoreMemoryOutput{ID: mem.ID}, nil
}

// RetrieveMemoriesInput narrows a semantic memory search.
type RetrieveMemoriesInput struct {
	Query    string   `json:"query"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// MemoryOutput is one memory in a retrieval/list result.
type MemoryOutput struct {
	ID        string            `json:"id"`
	Category  string            `json:"category"`
	Content   string            `json:"content"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float32           `json:"score,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RetrieveMemoriesOutput is the ranked result of a memory search.
type RetrieveMemoriesOutput struct {
	Results []MemoryOutput `json:"results"`
}

func (s *Server) mcpRetrieveMemoriesHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveMemoriesInput) (*mcp.CallToolResult, RetrieveMemoriesOutput, error) {
	if input.Query == "" {
		return nil, RetrieveMemoriesOutput{}, MapError(amerrors.ValidationError("query is required", nil))
	}
	hits, err := s.searcher.SearchMemories(ctx, input.Query, search.MemoryFilter{
		Category: store.MemoryCategory(input.Category),
		Tags:     input.Tags,
		Limit:    input.Limit,
	})
	if err != nil {
		return nil, RetrieveMemoriesOutput{}, MapError(err)
	}

	out := RetrieveMemoriesOutput{Results: make([]MemoryOutput, len(hits))}
	for i, h := range hits {
		out.Results[i] = toMemoryOutput(h.Memory, h.Score)
	}
	return nil, out, nil
}

func toMemoryOutput(m *store.Memory, score float32) MemoryOutput {
	return MemoryOutput{
		ID: m.ID, Category: string(m.Category), Content: m.Content,
		Tags: m.Tags, Metadata: m.Metadata, Score: score, CreatedAt: m.CreatedAt,
	}
}

// ListMemoriesInput scopes a plain listing, with no ranking involved.
type ListMemoriesInput struct {
	ProjectID string `json:"project_id,omitempty"`
	Category  string `json:"category,omitempty"`
}

// ListMemoriesOutput is every memory matching the scope.
type ListMemoriesOutput struct {
	Results []MemoryOutput `json:"results"`
}

func (s *Server) mcpListMemoriesHandler(ctx context.Context, _ *mcp.CallToolRequest, input ListMemoriesInput) (*mcp.CallToolResult, ListMemoriesOutput, error) {
	projectID := s.projectOrDefault(input.ProjectID)
	mems, err := s.metadata.ListMemoriesByProject(ctx, projectID, store.MemoryCategory(input.Category))
	if err != nil {
		return nil, ListMemoriesOutput{}, MapError(amerrors.StorageError("list memories", err))
	}

	out := ListMemoriesOutput{Results: make([]MemoryOutput, len(mems))}
	for i, m := range mems {
		out.Results[i] = toMemoryOutput(m, 0)
	}
	return nil, out, nil
}

// DeleteMemoryInput names the memory to remove.
type DeleteMemoryInput struct {
	ID string `json:"id"`
}

// DeleteMemoryOutput confirms the deletion.
type DeleteMemoryOutput struct {
	OK bool `json:"ok"`
}

func (s *Server) mcpDeleteMemoryHandler(ctx context.Context, _ *mcp.CallToolRequest, input DeleteMemoryInput) (*mcp.CallToolResult, DeleteMemoryOutput, error) {
	if input.ID == "" {
		return nil, DeleteMemoryOutput{}, MapError(amerrors.ValidationError("id is required", nil))
	}
	if err := s.metadata.DeleteMemory(ctx, input.ID); err != nil {
		return nil, DeleteMemoryOutput{}, MapError(err)
	}
	if s.vectors != nil {
		if err := s.vectors.Delete(ctx, store.CollectionMemories, []string{input.ID}); err != nil {
			return nil, DeleteMemoryOutput{}, MapError(amerrors.StorageError("delete memory vector", err))
		}
	}
	return nil, DeleteMemoryOutput{OK: true}, nil
}
