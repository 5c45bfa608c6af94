package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
)

// IndexCodebaseInput has no parameters yet beyond the project scope the
// server was constructed with; a directory override would need a second
// Coordinator per call, which the current one-Coordinator-per-project
// wiring doesn't support.
type IndexCodebaseInput struct{}

// IndexCodebaseOutput summarizes one indexing pass.
type IndexCodebaseOutput struct {
	FilesIndexed int `json:"files_indexed"`
	UnitsIndexed int `json:"units_indexed"`
	Errors       int `json:"errors"`
}

func (s *Server) mcpIndexCodebaseHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexCodebaseInput) (*mcp.CallToolResult, IndexCodebaseOutput, error) {
	requestID := generateRequestID()
	if s.coordinator == nil {
		return nil, IndexCodebaseOutput{}, MapError(amerrors.InternalError("code indexing is not configured", nil))
	}
	files, units, errs, err := s.coordinator.IndexProject(ctx)
	if err != nil {
		return nil, IndexCodebaseOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeIndexFailed, err))
	}
	s.logger.Info("index_codebase",
		slog.String("request_id", requestID), slog.Int("files", files), slog.Int("units", units), slog.Int("errors", errs))
	return nil, IndexCodebaseOutput{FilesIndexed: files, UnitsIndexed: units, Errors: errs}, nil
}

// SearchCodeInput narrows a code-unit search.
type SearchCodeInput struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id,omitempty"`
	Language  string `json:"language,omitempty"`
	UnitType  string `json:"unit_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CodeUnitOutput is one code unit in a search result.
type CodeUnitOutput struct {
	ID        string  `json:"id"`
	FilePath  string  `json:"file_path"`
	Content   string  `json:"content"`
	Language  string  `json:"language"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float32 `json:"score,omitempty"`
}

// SearchCodeOutput is the ranked result of a code search.
type SearchCodeOutput struct {
	Results []CodeUnitOutput `json:"results"`
}

func (s *Server) mcpSearchCodeHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchCodeInput) (*mcp.CallToolResult, SearchCodeOutput, error) {
	if input.Query == "" {
		return nil, SearchCodeOutput{}, MapError(amerrors.ValidationError("query is required", nil))
	}
	hits, err := s.searcher.SearchCode(ctx, input.Query, search.CodeFilter{
		ProjectID: s.projectOrDefault(input.ProjectID),
		Language:  input.Language,
		UnitType:  store.SymbolType(input.UnitType),
		Limit:     input.Limit,
	})
	if err != nil {
		return nil, SearchCodeOutput{}, MapError(err)
	}

	out := SearchCodeOutput{Results: make([]CodeUnitOutput, len(hits))}
	for i, h := range hits {
		out.Results[i] = toCodeUnitOutput(h.Unit, h.Score)
	}
	return nil, out, nil
}

func toCodeUnitOutput(u *store.CodeUnit, score float32) CodeUnitOutput {
	return CodeUnitOutput{
		ID: u.ID, FilePath: u.FilePath, Content: u.Content, Language: u.Language,
		StartLine: u.StartLine, EndLine: u.EndLine, Score: score,
	}
}

// FindSimilarCodeInput carries the snippet a caller wants more-like-this
// results for, rather than a unit ID: a caller rarely has an existing
// unit's ID on hand, but always has the code they're looking at.
type FindSimilarCodeInput struct {
	Snippet   string `json:"snippet"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// FindSimilarCodeOutput is the ranked result of a similarity search.
type FindSimilarCodeOutput struct {
	Results []CodeUnitOutput `json:"results"`
}

func (s *Server) mcpFindSimilarCodeHandler(ctx context.Context, _ *mcp.CallToolRequest, input FindSimilarCodeInput) (*mcp.CallToolResult, FindSimilarCodeOutput, error) {
	if input.Snippet == "" {
		return nil, FindSimilarCodeOutput{}, MapError(amerrors.ValidationError("snippet is required", nil))
	}
	hits, err := s.searcher.SearchCode(ctx, input.Snippet, search.CodeFilter{
		ProjectID: s.projectOrDefault(input.ProjectID),
		Limit:     input.Limit,
	})
	if err != nil {
		return nil, FindSimilarCodeOutput{}, MapError(err)
	}

	out := FindSimilarCodeOutput{Results: make([]CodeUnitOutput, len(hits))}
	for i, h := range hits {
		out.Results[i] = toCodeUnitOutput(h.Unit, h.Score)
	}
	return nil, out, nil
}
