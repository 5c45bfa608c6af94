package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	clamscontext "github.com/emmilco/clams-sub000/internal/context"
	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
)

// SearchExperiencesInput narrows a search over one GHAP experience axis.
type SearchExperiencesInput struct {
	Query  string `json:"query"`
	Axis   string `json:"axis"`
	Domain string `json:"domain,omitempty"`
	Tier   string `json:"tier,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ExperienceOutput pairs a resolved GHAP entry with the axis it matched on.
type ExperienceOutput struct {
	Entry GhapEntryOutput `json:"entry"`
	Axis  string          `json:"axis"`
	Score float32         `json:"score"`
}

// SearchExperiencesOutput is the ranked result of an experience search.
type SearchExperiencesOutput struct {
	Results []ExperienceOutput `json:"results"`
}

func (s *Server) mcpSearchExperiencesHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchExperiencesInput) (*mcp.CallToolResult, SearchExperiencesOutput, error) {
	if input.Query == "" {
		return nil, SearchExperiencesOutput{}, MapError(amerrors.ValidationError("query is required", nil))
	}
	axis := input.Axis
	if axis == "" {
		axis = string(store.AxisFull)
	}
	hits, err := s.searcher.SearchExperiences(ctx, input.Query, store.Axis(axis), search.ExperienceFilter{
		Domain: store.GhapDomain(input.Domain), Tier: store.ConfidenceTier(input.Tier), Limit: input.Limit,
	})
	if err != nil {
		return nil, SearchExperiencesOutput{}, MapError(err)
	}

	out := SearchExperiencesOutput{Results: make([]ExperienceOutput, len(hits))}
	for i, h := range hits {
		out.Results[i] = ExperienceOutput{Entry: toGhapEntryOutput(h.Entry), Axis: string(h.Axis), Score: h.Score}
	}
	return nil, out, nil
}

// SearchAllInput fans one query out across every domain at once.
type SearchAllInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchAllOutput holds one ranked list per domain.
type SearchAllOutput struct {
	Memories    []MemoryOutput     `json:"memories"`
	Code        []CodeUnitOutput   `json:"code"`
	Experiences []ExperienceOutput `json:"experiences"`
	Values      []ValueOutput      `json:"values"`
	Commits     []CommitOutput     `json:"commits"`
}

func (s *Server) mcpSearchAllHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchAllInput) (*mcp.CallToolResult, SearchAllOutput, error) {
	if input.Query == "" {
		return nil, SearchAllOutput{}, MapError(amerrors.ValidationError("query is required", nil))
	}
	limit := input.Limit
	out := SearchAllOutput{}

	if mems, err := s.searcher.SearchMemories(ctx, input.Query, search.MemoryFilter{Limit: limit}); err == nil {
		out.Memories = make([]MemoryOutput, len(mems))
		for i, m := range mems {
			out.Memories[i] = toMemoryOutput(m.Memory, m.Score)
		}
	}
	if code, err := s.searcher.SearchCode(ctx, input.Query, search.CodeFilter{ProjectID: s.projectID, Limit: limit}); err == nil {
		out.Code = make([]CodeUnitOutput, len(code))
		for i, c := range code {
			out.Code[i] = toCodeUnitOutput(c.Unit, c.Score)
		}
	}
	if exps, err := s.searcher.SearchExperiences(ctx, input.Query, store.AxisFull, search.ExperienceFilter{Limit: limit}); err == nil {
		out.Experiences = make([]ExperienceOutput, len(exps))
		for i, e := range exps {
			out.Experiences[i] = ExperienceOutput{Entry: toGhapEntryOutput(e.Entry), Axis: string(e.Axis), Score: e.Score}
		}
	}
	if values, err := s.searcher.SearchValues(ctx, input.Query, search.ValueFilter{Limit: limit}); err == nil {
		out.Values = make([]ValueOutput, len(values))
		for i, v := range values {
			out.Values[i] = ValueOutput{ID: v.Value.ID, ClusterID: v.Value.ClusterID, Statement: v.Value.Statement, Confidence: v.Value.Confidence, SupportSize: v.Value.SupportSize}
		}
	}
	if commits, err := s.searcher.SearchCommits(ctx, input.Query, search.CommitFilter{Limit: limit}); err == nil {
		out.Commits = make([]CommitOutput, len(commits))
		for i, c := range commits {
			out.Commits[i] = CommitOutput{Hash: c.Commit.Hash, Author: c.Commit.Author, Message: c.Commit.Message, Timestamp: c.Commit.Timestamp, Score: c.Score}
		}
	}

	return nil, out, nil
}

// AssembleContextInput picks the sources to fan the query out across and
// the total token budget to fill.
type AssembleContextInput struct {
	Query     string              `json:"query"`
	Sources   []ContextSourceInput `json:"sources"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// ContextSourceInput enables one domain with its own per-type result limit.
type ContextSourceInput struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

// AssembleContextOutput is the assembled markdown block plus the
// accounting showing how much of the budget was spent.
type AssembleContextOutput struct {
	Markdown      string `json:"markdown"`
	ItemsIncluded int    `json:"items_included"`
	TokensUsed    int    `json:"tokens_used"`
}

const defaultContextMaxTokens = 1500

func (s *Server) mcpAssembleContextHandler(ctx context.Context, _ *mcp.CallToolRequest, input AssembleContextInput) (*mcp.CallToolResult, AssembleContextOutput, error) {
	if s.assembler == nil {
		return nil, AssembleContextOutput{}, MapError(amerrors.InternalError("context assembly is not configured", nil))
	}
	if input.Query == "" {
		return nil, AssembleContextOutput{}, MapError(amerrors.ValidationError("query is required", nil))
	}

	sources := make([]clamscontext.SourceRequest, len(input.Sources))
	for i, src := range input.Sources {
		sources[i] = clamscontext.SourceRequest{Type: clamscontext.SourceType(src.Type), Limit: src.Limit}
	}
	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultContextMaxTokens
	}

	result, err := s.assembler.Assemble(ctx, input.Query, sources, maxTokens)
	if err != nil {
		return nil, AssembleContextOutput{}, MapError(err)
	}
	return nil, AssembleContextOutput{Markdown: result.Markdown, ItemsIncluded: result.ItemsIncluded, TokensUsed: result.TokensUsed}, nil
}
