package mcp

import "github.com/emmilco/clams-sub000/internal/search"

// clampToolLimit mirrors internal/search's clampLimit for the handful of
// tool parameters (git history/hotspots/authors) that go straight to
// internal/git rather than through a Searcher method that already clamps.
func clampToolLimit(limit int) int {
	if limit <= 0 {
		return search.DefaultLimit
	}
	if limit > search.MaxLimit {
		return search.MaxLimit
	}
	return limit
}
