package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/git"
)

// IndexCommitsInput optionally bounds the walk to commits at or after a
// timestamp; zero means "since the last indexed commit".
type IndexCommitsInput struct {
	Since *time.Time `json:"since,omitempty"`
}

// IndexCommitsOutput reports how many commits were indexed.
type IndexCommitsOutput struct {
	CommitsIndexed int `json:"commits_indexed"`
}

func (s *Server) mcpIndexCommitsHandler(ctx context.Context, _ *mcp.CallToolRequest, input IndexCommitsInput) (*mcp.CallToolResult, IndexCommitsOutput, error) {
	if s.gitIndexer == nil {
		return nil, IndexCommitsOutput{}, nil
	}
	n, err := s.gitIndexer.IndexCommits(ctx, input.Since)
	if err != nil {
		return nil, IndexCommitsOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeIndexFailed, err))
	}
	return nil, IndexCommitsOutput{CommitsIndexed: n}, nil
}

// SearchCommitsInput narrows a commit-message search.
type SearchCommitsInput struct {
	Query  string     `json:"query"`
	Author string     `json:"author,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// CommitOutput is one hydrated commit in a search or history result.
type CommitOutput struct {
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Score     float32   `json:"score,omitempty"`
}

// GitResultOutput wraps any git-backed list with the same graceful
// "reason" degradation internal/git.Result carries, rather than erroring
// when a project has no repository.
type GitResultOutput struct {
	Results []CommitOutput `json:"results"`
	Reason  string         `json:"reason,omitempty"`
}

func (s *Server) mcpSearchCommitsHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchCommitsInput) (*mcp.CallToolResult, GitResultOutput, error) {
	if input.Query == "" {
		return nil, GitResultOutput{}, MapError(amerrors.ValidationError("query is required", nil))
	}
	if s.gitIndexer == nil {
		return nil, GitResultOutput{Results: []CommitOutput{}, Reason: git.NotConfiguredReason}, nil
	}

	res, err := s.gitIndexer.SearchCommits(ctx, input.Query, input.Author, input.Since, clampToolLimit(input.Limit))
	if err != nil {
		return nil, GitResultOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeSearchFailed, err))
	}
	if res.Reason != "" {
		return nil, GitResultOutput{Results: []CommitOutput{}, Reason: res.Reason}, nil
	}

	out := GitResultOutput{Results: make([]CommitOutput, 0, len(res.Results))}
	for _, h := range res.Results {
		commit, err := s.metadata.GetCommit(ctx, h.ID)
		if err != nil || commit == nil {
			continue
		}
		out.Results = append(out.Results, CommitOutput{
			Hash: commit.Hash, Author: commit.Author, Message: commit.Message,
			Timestamp: commit.Timestamp, Score: h.Score,
		})
	}
	return nil, out, nil
}

// GetFileHistoryInput names the file and bounds the result count.
type GetFileHistoryInput struct {
	Path  string `json:"path"`
	Limit int    `json:"limit,omitempty"`
}

// FileHistoryEntryOutput is one commit touching the file.
type FileHistoryEntryOutput struct {
	Hash       string    `json:"hash"`
	Author     string    `json:"author"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Insertions int       `json:"insertions"`
	Deletions  int       `json:"deletions"`
}

// GetFileHistoryOutput wraps the file's commit history with the same
// graceful degradation GitResultOutput uses.
type GetFileHistoryOutput struct {
	Results []FileHistoryEntryOutput `json:"results"`
	Reason  string                   `json:"reason,omitempty"`
}

func (s *Server) mcpGetFileHistoryHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetFileHistoryInput) (*mcp.CallToolResult, GetFileHistoryOutput, error) {
	if input.Path == "" {
		return nil, GetFileHistoryOutput{}, MapError(amerrors.ValidationError("path is required", nil))
	}
	if s.gitIndexer == nil {
		return nil, GetFileHistoryOutput{Results: []FileHistoryEntryOutput{}, Reason: git.NotConfiguredReason}, nil
	}
	res, err := s.gitIndexer.GetFileHistory(ctx, input.Path, clampToolLimit(input.Limit))
	if err != nil {
		return nil, GetFileHistoryOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeSearchFailed, err))
	}

	out := GetFileHistoryOutput{Reason: res.Reason, Results: make([]FileHistoryEntryOutput, len(res.Results))}
	for i, e := range res.Results {
		out.Results[i] = FileHistoryEntryOutput{
			Hash: e.Hash, Author: e.Author, Message: e.Message, Timestamp: e.Timestamp,
			Insertions: e.Insertions, Deletions: e.Deletions,
		}
	}
	return nil, out, nil
}

// GetChurnHotspotsInput bounds the window and result count.
type GetChurnHotspotsInput struct {
	Days  int `json:"days,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// GetChurnHotspotsOutput ranks files by recent commit activity.
type GetChurnHotspotsOutput struct {
	Results []*git.ChurnHotspot `json:"results"`
	Reason  string              `json:"reason,omitempty"`
}

const defaultChurnWindowDays = 30

func (s *Server) mcpGetChurnHotspotsHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetChurnHotspotsInput) (*mcp.CallToolResult, GetChurnHotspotsOutput, error) {
	if s.gitIndexer == nil {
		return nil, GetChurnHotspotsOutput{Results: []*git.ChurnHotspot{}, Reason: git.NotConfiguredReason}, nil
	}
	days := input.Days
	if days <= 0 {
		days = defaultChurnWindowDays
	}
	res, err := s.gitIndexer.GetChurnHotspots(ctx, days, clampToolLimit(input.Limit))
	if err != nil {
		return nil, GetChurnHotspotsOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeSearchFailed, err))
	}
	return nil, GetChurnHotspotsOutput{Results: res.Results, Reason: res.Reason}, nil
}

// GetCodeAuthorsInput names the file to summarize authorship for.
type GetCodeAuthorsInput struct {
	Path string `json:"path"`
}

// GetCodeAuthorsOutput is per-author commit/line activity for the file.
type GetCodeAuthorsOutput struct {
	Results []*git.AuthorStat `json:"results"`
	Reason  string            `json:"reason,omitempty"`
}

func (s *Server) mcpGetCodeAuthorsHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetCodeAuthorsInput) (*mcp.CallToolResult, GetCodeAuthorsOutput, error) {
	if input.Path == "" {
		return nil, GetCodeAuthorsOutput{}, MapError(amerrors.ValidationError("path is required", nil))
	}
	if s.gitIndexer == nil {
		return nil, GetCodeAuthorsOutput{Results: []*git.AuthorStat{}, Reason: git.NotConfiguredReason}, nil
	}
	res, err := s.gitIndexer.GetCodeAuthors(ctx, input.Path)
	if err != nil {
		return nil, GetCodeAuthorsOutput{}, MapError(amerrors.Wrap(amerrors.ErrCodeSearchFailed, err))
	}
	return nil, GetCodeAuthorsOutput{Results: res.Results, Reason: res.Reason}, nil
}
