package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/ghap"
	"github.com/emmilco/clams-sub000/internal/store"
)

// StartGhapInput carries the fields needed to begin a new episode.
type StartGhapInput struct {
	SessionID  string   `json:"session_id"`
	Domain     string   `json:"domain"`
	Strategy   string   `json:"strategy"`
	Goal       string   `json:"goal"`
	Hypothesis string   `json:"hypothesis"`
	Actions    []string `json:"actions,omitempty"`
	Prediction string   `json:"prediction"`
}

// GhapEntryOutput is the full shape of a GHAP episode returned to a caller.
type GhapEntryOutput struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Domain         string     `json:"domain"`
	Strategy       string     `json:"strategy"`
	Goal           string     `json:"goal"`
	Hypothesis     string     `json:"hypothesis"`
	Actions        []string   `json:"actions,omitempty"`
	Prediction     string     `json:"prediction"`
	IterationCount int        `json:"iteration_count"`
	Outcome        string     `json:"outcome,omitempty"`
	Surprise       string     `json:"surprise,omitempty"`
	RootCause      string     `json:"root_cause,omitempty"`
	Lesson         string     `json:"lesson,omitempty"`
	Tier           string     `json:"tier,omitempty"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func toGhapEntryOutput(e *store.GhapEntry) GhapEntryOutput {
	return GhapEntryOutput{
		ID: e.ID, SessionID: e.SessionID, Domain: string(e.Domain), Strategy: string(e.Strategy),
		Goal: e.Goal, Hypothesis: e.Hypothesis, Actions: e.Actions, Prediction: e.Prediction,
		IterationCount: e.IterationCount, Outcome: string(e.Outcome), Surprise: e.Surprise,
		RootCause: e.RootCause, Lesson: e.Lesson, Tier: string(e.Tier), Status: string(e.Status),
		StartedAt: e.StartedAt, ResolvedAt: e.ResolvedAt,
	}
}

func (s *Server) mcpStartGhapHandler(ctx context.Context, _ *mcp.CallToolRequest, input StartGhapInput) (*mcp.CallToolResult, GhapEntryOutput, error) {
	requestID := generateRequestID()
	s.logger.Debug("start_ghap", slog.String("request_id", requestID), slog.String("session_id", input.SessionID))

	if s.ghapMachine == nil {
		return nil, GhapEntryOutput{}, MapError(amerrors.InternalError("ghap is not configured", nil))
	}
	if input.SessionID == "" {
		return nil, GhapEntryOutput{}, MapError(amerrors.ValidationError("session_id is required", nil))
	}
	entry, err := s.ghapMachine.Start(ctx, ghap.StartInput{
		SessionID: input.SessionID, Domain: store.GhapDomain(input.Domain), Strategy: store.GhapStrategy(input.Strategy),
		Goal: input.Goal, Hypothesis: input.Hypothesis, Actions: input.Actions, Prediction: input.Prediction,
	})
	if err != nil {
		return nil, GhapEntryOutput{}, MapError(err)
	}
	return nil, toGhapEntryOutput(entry), nil
}

// UpdateGhapInput revises the active episode. Empty Hypothesis/Prediction
// leave those fields unchanged; a nil Actions leaves it unchanged too
// (mirrors internal/ghap.Machine.Update's own zero-value semantics).
type UpdateGhapInput struct {
	SessionID  string   `json:"session_id"`
	Hypothesis string   `json:"hypothesis,omitempty"`
	Prediction string   `json:"prediction,omitempty"`
	Actions    []string `json:"actions,omitempty"`
}

func (s *Server) mcpUpdateGhapHandler(ctx context.Context, _ *mcp.CallToolRequest, input UpdateGhapInput) (*mcp.CallToolResult, GhapEntryOutput, error) {
	if s.ghapMachine == nil {
		return nil, GhapEntryOutput{}, MapError(amerrors.InternalError("ghap is not configured", nil))
	}
	if input.SessionID == "" {
		return nil, GhapEntryOutput{}, MapError(amerrors.ValidationError("session_id is required", nil))
	}
	entry, err := s.ghapMachine.Update(ctx, input.SessionID, input.Hypothesis, input.Prediction, input.Actions)
	if err != nil {
		return nil, GhapEntryOutput{}, MapError(err)
	}
	return nil, toGhapEntryOutput(entry), nil
}

// ResolveGhapInput closes out the active episode. Surprise and RootCause
// are required when Outcome is "falsified"; Lesson is always optional.
type ResolveGhapInput struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	Surprise  string `json:"surprise,omitempty"`
	RootCause string `json:"root_cause,omitempty"`
	Lesson    string `json:"lesson,omitempty"`
}

// ResolveGhapOutput is the minimal ~ok/id response.
type ResolveGhapOutput struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

func (s *Server) mcpResolveGhapHandler(ctx context.Context, _ *mcp.CallToolRequest, input ResolveGhapInput) (*mcp.CallToolResult, ResolveGhapOutput, error) {
	if s.ghapMachine == nil {
		return nil, ResolveGhapOutput{}, MapError(amerrors.InternalError("ghap is not configured", nil))
	}
	if input.SessionID == "" {
		return nil, ResolveGhapOutput{}, MapError(amerrors.ValidationError("session_id is required", nil))
	}
	result, err := s.ghapMachine.Resolve(ctx, ghap.ResolveInput{
		SessionID: input.SessionID, Outcome: store.GhapOutcome(input.Outcome),
		Surprise: input.Surprise, RootCause: input.RootCause, Lesson: input.Lesson,
	})
	if err != nil {
		return nil, ResolveGhapOutput{}, MapError(err)
	}
	return nil, ResolveGhapOutput{OK: result.OK, ID: result.ID}, nil
}

// GetActiveGhapInput names the session to inspect.
type GetActiveGhapInput struct {
	SessionID string `json:"session_id"`
}

// GetActiveGhapOutput carries the active entry, if any.
type GetActiveGhapOutput struct {
	Active bool            `json:"active"`
	Entry  GhapEntryOutput `json:"entry,omitempty"`
}

func (s *Server) mcpGetActiveGhapHandler(_ context.Context, _ *mcp.CallToolRequest, input GetActiveGhapInput) (*mcp.CallToolResult, GetActiveGhapOutput, error) {
	if s.ghapMachine == nil {
		return nil, GetActiveGhapOutput{}, MapError(amerrors.InternalError("ghap is not configured", nil))
	}
	if input.SessionID == "" {
		return nil, GetActiveGhapOutput{}, MapError(amerrors.ValidationError("session_id is required", nil))
	}
	entry, ok := s.ghapMachine.GetActive(input.SessionID)
	if !ok {
		return nil, GetActiveGhapOutput{Active: false}, nil
	}
	return nil, GetActiveGhapOutput{Active: true, Entry: toGhapEntryOutput(entry)}, nil
}

// ListGhapEntriesInput narrows a listing of resolved episodes to one
// domain; domain is required because ListResolvedGhapEntries has no
// cross-domain listing.
type ListGhapEntriesInput struct {
	Domain string `json:"domain"`
}

// ListGhapEntriesOutput is every resolved episode for the domain.
type ListGhapEntriesOutput struct {
	Results []GhapEntryOutput `json:"results"`
}

func (s *Server) mcpListGhapEntriesHandler(ctx context.Context, _ *mcp.CallToolRequest, input ListGhapEntriesInput) (*mcp.CallToolResult, ListGhapEntriesOutput, error) {
	if input.Domain == "" {
		return nil, ListGhapEntriesOutput{}, MapError(amerrors.ValidationError("domain is required", nil))
	}
	entries, err := s.metadata.ListResolvedGhapEntries(ctx, store.GhapDomain(input.Domain))
	if err != nil {
		return nil, ListGhapEntriesOutput{}, MapError(amerrors.StorageError("list resolved ghap entries", err))
	}
	out := ListGhapEntriesOutput{Results: make([]GhapEntryOutput, len(entries))}
	for i, e := range entries {
		out.Results[i] = toGhapEntryOutput(e)
	}
	return nil, out, nil
}
