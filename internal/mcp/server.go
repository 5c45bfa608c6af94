// Package mcp implements the Model Context Protocol (MCP) server for Clams,
// exposing the memory, code, git, GHAP, learning, and search surface as a
// fixed set of typed tools.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmilco/clams-sub000/internal/cluster"
	"github.com/emmilco/clams-sub000/internal/config"
	clamscontext "github.com/emmilco/clams-sub000/internal/context"
	"github.com/emmilco/clams-sub000/internal/embed"
	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/ghap"
	"github.com/emmilco/clams-sub000/internal/git"
	"github.com/emmilco/clams-sub000/internal/index"
	"github.com/emmilco/clams-sub000/internal/search"
	"github.com/emmilco/clams-sub000/internal/store"
	"github.com/emmilco/clams-sub000/pkg/version"
)

// Dependencies bundles every backing component the tool handlers call into.
// Mirrors internal/index.CoordinatorConfig's all-in-one-struct shape rather
// than a long NewServer parameter list.
type Dependencies struct {
	ProjectID string
	RootPath  string

	Metadata  store.MetadataStore
	Vectors   store.VectorStore
	Embedders *embed.Registry
	Searcher  search.Searcher

	Ghap        *ghap.Machine
	Distiller   *cluster.Distiller
	Assembler   *clamscontext.Assembler
	GitIndexer  *git.Indexer // nil for a project with no repository
	Coordinator *index.Coordinator

	Config *config.Config
	Logger *slog.Logger
}

// Server is the MCP server for Clams. It bridges AI clients (Claude Code,
// Cursor) and the HTTP surface in internal/httpapi with the same set of
// typed tool handlers.
type Server struct {
	mcp *mcp.Server

	projectID string
	rootPath  string

	metadata  store.MetadataStore
	vectors   store.VectorStore
	embedders *embed.Registry
	searcher  search.Searcher

	ghapMachine *ghap.Machine
	distiller   *cluster.Distiller
	assembler   *clamscontext.Assembler
	gitIndexer  *git.Indexer
	coordinator *index.Coordinator

	config *config.Config
	logger *slog.Logger

	toolInfos []ToolInfo
	dispatch  map[string]dispatchFunc
}

// ToolInfo is the name and description of one registered tool, returned by
// ListTools for clients that want a manifest without a full MCP round trip.
type ToolInfo struct {
	Name        string
	Description string
}

// dispatchFunc invokes one tool's handler over raw JSON arguments, the same
// shape internal/httpapi receives from a tools/call HTTP request.
type dispatchFunc func(ctx context.Context, arguments json.RawMessage) (any, error)

// CallTool invokes the named tool by unmarshaling arguments into its input
// type and running its handler directly, bypassing the MCP transport. This
// is what internal/httpapi dispatches to for POST /api/call.
func (s *Server) CallTool(ctx context.Context, name string, arguments json.RawMessage) (any, error) {
	fn, ok := s.dispatch[name]
	if !ok {
		return nil, MapError(amerrors.NotFoundError("unknown tool "+name, nil))
	}
	return fn(ctx, arguments)
}

// addTool registers a tool with the MCP server, records its manifest entry,
// and wires a dispatchFunc for CallTool — all from the single handler
// signature, so the three can never drift apart.
func addTool[In, Out any](s *Server, name, description string, handler func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error)) {
	s.toolInfos = append(s.toolInfos, ToolInfo{Name: name, Description: description})
	mcp.AddTool(s.mcp, &mcp.Tool{Name: name, Description: description}, handler)
	s.dispatch[name] = func(ctx context.Context, arguments json.RawMessage) (any, error) {
		var in In
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &in); err != nil {
				return nil, MapError(amerrors.ValidationError("invalid arguments: "+err.Error(), err))
			}
		}
		_, out, err := handler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// NewServer creates a new MCP server over the given Dependencies. Metadata
// and Searcher are the only hard requirements — every other dependency
// degrades its own tool group gracefully when nil (GitIndexer already does
// this itself; a nil Ghap/Distiller/Assembler/Coordinator surfaces as an
// internal_error from the handlers that need it, rather than panicking).
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if deps.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		projectID:   deps.ProjectID,
		rootPath:    deps.RootPath,
		metadata:    deps.Metadata,
		vectors:     deps.Vectors,
		embedders:   deps.Embedders,
		searcher:    deps.Searcher,
		ghapMachine: deps.Ghap,
		distiller:   deps.Distiller,
		assembler:   deps.Assembler,
		gitIndexer:  deps.GitIndexer,
		coordinator: deps.Coordinator,
		config:      cfg,
		logger:      logger,
		dispatch:    make(map[string]dispatchFunc),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "clams",
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying SDK server, for tests and transports
// that need to drive it directly.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// registerTools registers all 25 tools with the MCP server, grouped the
// same way section 6 of the external interfaces groups them.
func (s *Server) registerTools() {
	s.logger.Debug("registering MCP tools")

	// Memory
	addTool(s, "store_memory",
		"Store a unit of agent memory (preference, fact, event, workflow, or context) for later retrieval.", s.mcpStoreMemoryHandler)
	addTool(s, "retrieve_memories",
		"Semantically search stored memories, optionally narrowed by category and tags.", s.mcpRetrieveMemoriesHandler)
	addTool(s, "list_memories",
		"List every stored memory for a project, optionally narrowed by category.", s.mcpListMemoriesHandler)
	addTool(s, "delete_memory",
		"Delete a stored memory by ID.", s.mcpDeleteMemoryHandler)

	// Code
	addTool(s, "index_codebase",
		"Walk the project root, chunk every source file into code units, and embed them for search.", s.mcpIndexCodebaseHandler)
	addTool(s, "search_code",
		"Semantically search indexed code units by meaning, optionally filtered by language or symbol kind.", s.mcpSearchCodeHandler)
	addTool(s, "find_similar_code",
		"Find code units similar to a given snippet, using the snippet itself as the query.", s.mcpFindSimilarCodeHandler)

	// Git
	addTool(s, "index_commits",
		"Walk commits newer than the last indexed one and embed their messages for search.", s.mcpIndexCommitsHandler)
	addTool(s, "search_commits",
		"Semantically search indexed commit messages, optionally filtered by author or a minimum timestamp.", s.mcpSearchCommitsHandler)
	addTool(s, "get_file_history",
		"List commits touching a file, newest first.", s.mcpGetFileHistoryHandler)
	addTool(s, "get_churn_hotspots",
		"Rank files by commit activity over a trailing window of days.", s.mcpGetChurnHotspotsHandler)
	addTool(s, "get_code_authors",
		"Summarize per-author commit counts and line deltas for a file.", s.mcpGetCodeAuthorsHandler)

	// GHAP
	addTool(s, "start_ghap",
		"Begin a new Goal-Hypothesis-Action-Prediction episode for a session.", s.mcpStartGhapHandler)
	addTool(s, "update_ghap",
		"Revise the hypothesis, actions, or prediction of the session's active GHAP episode.", s.mcpUpdateGhapHandler)
	addTool(s, "resolve_ghap",
		"Close out the session's active GHAP episode with an outcome.", s.mcpResolveGhapHandler)
	addTool(s, "get_active_ghap",
		"Return the session's in-flight GHAP episode, if any.", s.mcpGetActiveGhapHandler)
	addTool(s, "list_ghap_entries",
		"List resolved GHAP episodes, optionally narrowed by domain.", s.mcpListGhapEntriesHandler)

	// Learning
	addTool(s, "get_clusters",
		"Cluster resolved GHAP experiences for a domain/axis pair and promote stable clusters into distilled values.", s.mcpGetClustersHandler)
	addTool(s, "get_cluster_members",
		"List the resolved GHAP entries belonging to a cluster.", s.mcpGetClusterMembersHandler)
	addTool(s, "validate_value",
		"Confirm a distilled value's backing cluster still exists and report its current confidence.", s.mcpValidateValueHandler)
	addTool(s, "store_value",
		"Manually record a distilled value outside the clustering pipeline.", s.mcpStoreValueHandler)
	addTool(s, "list_values",
		"List every distilled value.", s.mcpListValuesHandler)

	// Search / context
	addTool(s, "search_experiences",
		"Semantically search one GHAP experience axis, optionally filtered by domain or confidence tier.", s.mcpSearchExperiencesHandler)
	addTool(s, "search_all",
		"Fan a query out across every domain (memories, code, experiences, values, commits) at once.", s.mcpSearchAllHandler)
	addTool(s, "assemble_context",
		"Assemble a single ranked markdown context block from a query across the requested sources, within a token budget.", s.mcpAssembleContextHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", len(s.toolInfos)))
}

// ListTools returns the name and description of every registered tool, the
// same manifest a client would get from an MCP tools/list call, without
// needing to drive the SDK server directly.
func (s *Server) ListTools() []ToolInfo {
	return s.toolInfos
}

// Serve starts the server on the given transport. Only "stdio" is
// implemented; internal/httpapi is the HTTP transport for this same tool
// set.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("MCP server stopped gracefully")
		return nil
	default:
		return fmt.Errorf("unknown transport %q (supported: stdio)", transport)
	}
}

// Close releases server resources. The SDK server itself has no Close;
// it stops when its context is canceled.
func (s *Server) Close() error {
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// projectOrDefault returns projectID if set, else the server's configured
// project — the same fallback internal/search.Engine applies to CodeFilter.
func (s *Server) projectOrDefault(projectID string) string {
	if projectID != "" {
		return projectID
	}
	return s.projectID
}
