// Package git indexes commit history into the vector/metadata stores and
// answers churn and authorship questions over it. It is built on
// go-git/go-git/v5 rather than shelling out to the git binary.
package git

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/emmilco/clams-sub000/internal/embed"
	"github.com/emmilco/clams-sub000/internal/store"
)

// PayloadTimestamp is the payload field name commits are range-filterable on.
const PayloadTimestamp = "timestamp"

// PayloadAuthor is the payload field name commits are equality-filterable on.
const PayloadAuthor = "author"

// NotConfiguredReason is returned in place of an error whenever a project
// root has no git repository — querying an unindexed project is a normal,
// expected state, not a failure.
const NotConfiguredReason = "git_not_configured"

// Result wraps a git-backed operation's output with an optional reason,
// used when the working tree has no repository.
type Result[T any] struct {
	Results []T
	Reason  string
}

// FileHistoryEntry is one commit touching a path.
type FileHistoryEntry struct {
	Hash       string
	Author     string
	Message    string
	Timestamp  time.Time
	Insertions int
	Deletions  int
}

// ChurnHotspot aggregates commit activity for a single file over a window.
// Field names are part of the tool contract and must not be renamed.
type ChurnHotspot struct {
	FilePath        string   `json:"file_path"`
	ChangeCount     int      `json:"change_count"`
	TotalInsertions int      `json:"total_insertions"`
	TotalDeletions  int      `json:"total_deletions"`
	Authors         []string `json:"authors"`
	LastChanged     time.Time `json:"last_changed"`
}

// AuthorStat is one author's contribution to a path.
type AuthorStat struct {
	Author       string
	CommitCount  int
	Insertions   int
	Deletions    int
}

// Indexer reads commit history with go-git and persists it via the
// metadata/vector stores. A nil repo (no .git found) is a valid, inert
// state: every method degrades to the "not configured" result rather than
// erroring, since most projects clams runs against may not be repositories.
type Indexer struct {
	repo      *git.Repository
	projectID string
	metadata  store.MetadataStore
	vectors   store.VectorStore
	embedder  embed.Embedder
}

// New opens the repository at rootPath, if any. A missing .git directory is
// not an error — repo is left nil and every subsequent call returns the
// "git_not_configured" reason.
func New(rootPath, projectID string, metadata store.MetadataStore, vectors store.VectorStore, embedder embed.Embedder) *Indexer {
	repo, err := git.PlainOpen(rootPath)
	if err != nil {
		return &Indexer{projectID: projectID, metadata: metadata, vectors: vectors, embedder: embedder}
	}
	return &Indexer{repo: repo, projectID: projectID, metadata: metadata, vectors: vectors, embedder: embedder}
}

func (ix *Indexer) configured() bool {
	return ix.repo != nil
}

// IndexCommits walks commits newer than the last indexed commit and embeds
// their messages with the semantic embedder. since, if non-nil, further
// bounds the walk to commits at or after that time.
func (ix *Indexer) IndexCommits(ctx context.Context, since *time.Time) (int, error) {
	if !ix.configured() {
		return 0, nil
	}

	state, err := ix.metadata.GetGitIndexState(ctx, ix.projectID)
	if err != nil {
		return 0, fmt.Errorf("get git index state: %w", err)
	}

	head, err := ix.repo.Head()
	if err != nil {
		return 0, fmt.Errorf("resolve HEAD: %w", err)
	}

	commitIter, err := ix.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("walk commits: %w", err)
	}
	defer commitIter.Close()

	var commits []*store.Commit
	lastSeen := ""
	if state != nil {
		lastSeen = state.LastCommit
	}

	err = commitIter.ForEach(func(c *object.Commit) error {
		if lastSeen != "" && c.Hash.String() == lastSeen {
			return storerErrStop
		}
		if since != nil && c.Author.When.Before(*since) {
			return storerErrStop
		}
		commits = append(commits, commitFromObject(c, ix.projectID))
		return nil
	})
	if err != nil && err != storerErrStop {
		return 0, fmt.Errorf("iterate commits: %w", err)
	}

	if len(commits) == 0 {
		return 0, nil
	}

	if err := ix.embedAndUpsert(ctx, commits); err != nil {
		return 0, err
	}

	if err := ix.metadata.SaveCommits(ctx, commits); err != nil {
		return 0, fmt.Errorf("save commits: %w", err)
	}

	newest := commits[0].Hash // commitIter walks newest-first
	if err := ix.metadata.SaveGitIndexState(ctx, &store.GitIndexState{
		ProjectID:     ix.projectID,
		LastCommit:    newest,
		LastIndexedAt: time.Now(),
	}); err != nil {
		return 0, fmt.Errorf("save git index state: %w", err)
	}

	return len(commits), nil
}

// storerErrStop is a sentinel used to break out of commitIter.ForEach early;
// go-git treats any non-nil error from the callback as a stop signal and
// this one is never surfaced to the caller.
var storerErrStop = fmt.Errorf("stop")

func (ix *Indexer) embedAndUpsert(ctx context.Context, commits []*store.Commit) error {
	texts := make([]string, len(commits))
	for i, c := range commits {
		texts[i] = c.Message
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed commit messages: %w", err)
	}

	ids := make([]string, len(commits))
	payloads := make([]map[string]string, len(commits))
	for i, c := range commits {
		ids[i] = c.Hash
		payloads[i] = map[string]string{
			"project_id":    c.ProjectID,
			PayloadAuthor:   c.Author,
			"author_email":  c.AuthorEmail,
			"message":       c.Message,
			PayloadTimestamp: strconv.FormatInt(c.Timestamp.Unix(), 10),
		}
	}

	if err := ix.vectors.EnsureCollection(ctx, store.CollectionCommits, store.DefaultVectorStoreConfig(ix.embedder.Dimensions())); err != nil {
		return fmt.Errorf("ensure commits collection: %w", err)
	}
	if err := ix.vectors.Add(ctx, store.CollectionCommits, ids, vectors, payloads); err != nil {
		return fmt.Errorf("upsert commit vectors: %w", err)
	}
	return nil
}

func commitFromObject(c *object.Commit, projectID string) *store.Commit {
	stats, _ := c.Stats()
	var insertions, deletions int
	files := make([]string, 0, len(stats))
	for _, s := range stats {
		insertions += s.Addition
		deletions += s.Deletion
		files = append(files, s.Name)
	}
	return &store.Commit{
		Hash:         c.Hash.String(),
		ProjectID:    projectID,
		Author:       c.Author.Name,
		AuthorEmail:  c.Author.Email,
		Message:      c.Message,
		Timestamp:    c.Author.When,
		FilesChanged: files,
		Insertions:   insertions,
		Deletions:    deletions,
	}
}

// SearchCommits performs a semantic search over indexed commit messages,
// optionally scoped to an author and/or a minimum timestamp.
func (ix *Indexer) SearchCommits(ctx context.Context, query, author string, since *time.Time, limit int) (Result[*store.VectorResult], error) {
	if !ix.configured() {
		return Result[*store.VectorResult]{Results: []*store.VectorResult{}, Reason: NotConfiguredReason}, nil
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return Result[*store.VectorResult]{}, fmt.Errorf("embed query: %w", err)
	}

	var filters []store.Filter
	if author != "" {
		filters = append(filters, store.Eq(PayloadAuthor, author))
	}
	if since != nil {
		gte := float64(since.Unix())
		filters = append(filters, store.Range(PayloadTimestamp, &gte, nil, nil, nil))
	}

	results, err := ix.vectors.Search(ctx, store.CollectionCommits, vec, limit, filters)
	if err != nil {
		return Result[*store.VectorResult]{}, fmt.Errorf("search commits: %w", err)
	}
	return Result[*store.VectorResult]{Results: results}, nil
}

// GetFileHistory walks commits touching path, newest first, with no
// embedding involved — this is a pure git-log operation.
func (ix *Indexer) GetFileHistory(ctx context.Context, path string, limit int) (Result[*FileHistoryEntry], error) {
	if !ix.configured() {
		return Result[*FileHistoryEntry]{Results: []*FileHistoryEntry{}, Reason: NotConfiguredReason}, nil
	}

	head, err := ix.repo.Head()
	if err != nil {
		return Result[*FileHistoryEntry]{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitIter, err := ix.repo.Log(&git.LogOptions{From: head.Hash(), FileName: &path})
	if err != nil {
		return Result[*FileHistoryEntry]{}, fmt.Errorf("walk file history: %w", err)
	}
	defer commitIter.Close()

	var entries []*FileHistoryEntry
	err = commitIter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(entries) >= limit {
			return storerErrStop
		}
		stats, _ := c.Stats()
		var ins, del int
		for _, s := range stats {
			if s.Name == path {
				ins += s.Addition
				del += s.Deletion
			}
		}
		entries = append(entries, &FileHistoryEntry{
			Hash:       c.Hash.String(),
			Author:     c.Author.Name,
			Message:    c.Message,
			Timestamp:  c.Author.When,
			Insertions: ins,
			Deletions:  del,
		})
		return nil
	})
	if err != nil && err != storerErrStop {
		return Result[*FileHistoryEntry]{}, fmt.Errorf("iterate file history: %w", err)
	}
	return Result[*FileHistoryEntry]{Results: entries}, nil
}

// GetChurnHotspots aggregates commits from the last `days` days into
// per-file change counts, sorted by change_count descending.
func (ix *Indexer) GetChurnHotspots(ctx context.Context, days, limit int) (Result[*ChurnHotspot], error) {
	if !ix.configured() {
		return Result[*ChurnHotspot]{Results: []*ChurnHotspot{}, Reason: NotConfiguredReason}, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	head, err := ix.repo.Head()
	if err != nil {
		return Result[*ChurnHotspot]{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitIter, err := ix.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return Result[*ChurnHotspot]{}, fmt.Errorf("walk commits: %w", err)
	}
	defer commitIter.Close()

	type accum struct {
		count       int
		insertions  int
		deletions   int
		authors     map[string]bool
		lastChanged time.Time
	}
	byFile := make(map[string]*accum)

	err = commitIter.ForEach(func(c *object.Commit) error {
		if c.Author.When.Before(since) {
			return storerErrStop
		}
		stats, statsErr := c.Stats()
		if statsErr != nil {
			return nil
		}
		for _, s := range stats {
			a, ok := byFile[s.Name]
			if !ok {
				a = &accum{authors: make(map[string]bool)}
				byFile[s.Name] = a
			}
			a.count++
			a.insertions += s.Addition
			a.deletions += s.Deletion
			a.authors[c.Author.Name] = true
			if c.Author.When.After(a.lastChanged) {
				a.lastChanged = c.Author.When
			}
		}
		return nil
	})
	if err != nil && err != storerErrStop {
		return Result[*ChurnHotspot]{}, fmt.Errorf("iterate commits: %w", err)
	}

	hotspots := make([]*ChurnHotspot, 0, len(byFile))
	for path, a := range byFile {
		authors := make([]string, 0, len(a.authors))
		for name := range a.authors {
			authors = append(authors, name)
		}
		sort.Strings(authors)
		hotspots = append(hotspots, &ChurnHotspot{
			FilePath:        path,
			ChangeCount:     a.count,
			TotalInsertions: a.insertions,
			TotalDeletions:  a.deletions,
			Authors:         authors,
			LastChanged:     a.lastChanged,
		})
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].ChangeCount != hotspots[j].ChangeCount {
			return hotspots[i].ChangeCount > hotspots[j].ChangeCount
		}
		return hotspots[i].FilePath < hotspots[j].FilePath
	})
	if limit > 0 && len(hotspots) > limit {
		hotspots = hotspots[:limit]
	}

	return Result[*ChurnHotspot]{Results: hotspots}, nil
}

// GetCodeAuthors returns per-author commit counts and line deltas for path,
// sorted by commit count descending.
func (ix *Indexer) GetCodeAuthors(ctx context.Context, path string) (Result[*AuthorStat], error) {
	if !ix.configured() {
		return Result[*AuthorStat]{Results: []*AuthorStat{}, Reason: NotConfiguredReason}, nil
	}

	head, err := ix.repo.Head()
	if err != nil {
		return Result[*AuthorStat]{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitIter, err := ix.repo.Log(&git.LogOptions{From: head.Hash(), FileName: &path})
	if err != nil {
		return Result[*AuthorStat]{}, fmt.Errorf("walk file history: %w", err)
	}
	defer commitIter.Close()

	byAuthor := make(map[string]*AuthorStat)
	err = commitIter.ForEach(func(c *object.Commit) error {
		stats, statsErr := c.Stats()
		if statsErr != nil {
			return nil
		}
		var ins, del int
		for _, s := range stats {
			if s.Name == path {
				ins += s.Addition
				del += s.Deletion
			}
		}
		a, ok := byAuthor[c.Author.Name]
		if !ok {
			a = &AuthorStat{Author: c.Author.Name}
			byAuthor[c.Author.Name] = a
		}
		a.CommitCount++
		a.Insertions += ins
		a.Deletions += del
		return nil
	})
	if err != nil {
		return Result[*AuthorStat]{}, fmt.Errorf("iterate file history: %w", err)
	}

	authors := make([]*AuthorStat, 0, len(byAuthor))
	for _, a := range byAuthor {
		authors = append(authors, a)
	}
	sort.Slice(authors, func(i, j int) bool {
		if authors[i].CommitCount != authors[j].CommitCount {
			return authors[i].CommitCount > authors[j].CommitCount
		}
		return authors[i].Author < authors[j].Author
	})

	return Result[*AuthorStat]{Results: authors}, nil
}
