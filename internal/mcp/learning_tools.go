package mcp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/store"
)

// GetClustersInput picks the domain/axis pair to cluster.
type GetClustersInput struct {
	Domain string `json:"domain"`
	Axis   string `json:"axis"`
}

// ClusterOutput is one surviving cluster.
type ClusterOutput struct {
	ID        string   `json:"id"`
	Axis      string   `json:"axis"`
	MemberIDs []string `json:"member_ids"`
	Tier      string   `json:"tier"`
	Stability float64  `json:"stability"`
}

// ValueOutput is one distilled value promoted from a cluster.
type ValueOutput struct {
	ID                   string  `json:"id"`
	Axis                 string  `json:"axis,omitempty"`
	ClusterID            string  `json:"cluster_id"`
	Statement            string  `json:"statement"`
	SimilarityToCentroid float64 `json:"similarity_to_centroid,omitempty"`
	Confidence           float64 `json:"confidence"`
	SupportSize          int     `json:"support_size"`
}

// GetClustersOutput is everything one clustering run produced.
type GetClustersOutput struct {
	Clusters []ClusterOutput `json:"clusters"`
	Values   []ValueOutput   `json:"values"`
}

func (s *Server) mcpGetClustersHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetClustersInput) (*mcp.CallToolResult, GetClustersOutput, error) {
	if s.distiller == nil {
		return nil, GetClustersOutput{}, MapError(amerrors.InternalError("clustering is not configured", nil))
	}
	if input.Domain == "" || input.Axis == "" {
		return nil, GetClustersOutput{}, MapError(amerrors.ValidationError("domain and axis are required", nil))
	}

	result, err := s.distiller.Distill(ctx, store.GhapDomain(input.Domain), store.Axis(input.Axis))
	if err != nil {
		return nil, GetClustersOutput{}, MapError(err)
	}

	out := GetClustersOutput{
		Clusters: make([]ClusterOutput, len(result.Clusters)),
		Values:   make([]ValueOutput, len(result.Values)),
	}
	for i, c := range result.Clusters {
		out.Clusters[i] = ClusterOutput{ID: c.ID, Axis: string(c.Axis), MemberIDs: c.MemberIDs, Tier: string(c.Tier), Stability: c.Stability}
	}
	for i, v := range result.Values {
		out.Values[i] = ValueOutput{ID: v.ID, ClusterID: v.ClusterID, Statement: v.Statement, Confidence: v.Confidence, SupportSize: v.SupportSize}
	}
	return nil, out, nil
}

// GetClusterMembersInput names the cluster to hydrate.
type GetClusterMembersInput struct {
	ClusterID string `json:"cluster_id"`
}

// GetClusterMembersOutput is the resolved GHAP entries in the cluster.
type GetClusterMembersOutput struct {
	Members []GhapEntryOutput `json:"members"`
}

func (s *Server) mcpGetClusterMembersHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetClusterMembersInput) (*mcp.CallToolResult, GetClusterMembersOutput, error) {
	if input.ClusterID == "" {
		return nil, GetClusterMembersOutput{}, MapError(amerrors.ValidationError("cluster_id is required", nil))
	}
	cluster, err := s.metadata.GetCluster(ctx, input.ClusterID)
	if err != nil {
		return nil, GetClusterMembersOutput{}, MapError(err)
	}

	members := make([]GhapEntryOutput, 0, len(cluster.MemberIDs))
	for _, id := range cluster.MemberIDs {
		entry, err := s.metadata.GetGhapEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		members = append(members, toGhapEntryOutput(entry))
	}
	return nil, GetClusterMembersOutput{Members: members}, nil
}

// ValidateValueInput names the value to confirm.
type ValidateValueInput struct {
	ValueID string `json:"value_id"`
}

// ValidateValueOutput reports whether the value's backing cluster still
// exists, alongside its current confidence and support size.
type ValidateValueOutput struct {
	Valid            bool    `json:"valid"`
	Confidence       float64 `json:"confidence,omitempty"`
	SupportSize      int     `json:"support_size,omitempty"`
	ClusterStability float64 `json:"cluster_stability,omitempty"`
}

func (s *Server) mcpValidateValueHandler(ctx context.Context, _ *mcp.CallToolRequest, input ValidateValueInput) (*mcp.CallToolResult, ValidateValueOutput, error) {
	if input.ValueID == "" {
		return nil, ValidateValueOutput{}, MapError(amerrors.ValidationError("value_id is required", nil))
	}
	values, err := s.metadata.ListValues(ctx)
	if err != nil {
		return nil, ValidateValueOutput{}, MapError(amerrors.StorageError("list values", err))
	}
	var value *store.Value
	for _, v := range values {
		if v.ID == input.ValueID {
			value = v
			break
		}
	}
	if value == nil {
		return nil, ValidateValueOutput{}, MapError(amerrors.NotFoundError("value "+input.ValueID+" not found", nil))
	}

	cluster, err := s.metadata.GetCluster(ctx, value.ClusterID)
	if err != nil {
		return nil, ValidateValueOutput{Valid: false}, nil
	}
	return nil, ValidateValueOutput{
		Valid: true, Confidence: value.Confidence, SupportSize: value.SupportSize, ClusterStability: cluster.Stability,
	}, nil
}

// StoreValueInput carries a manually-recorded lesson, outside the
// clustering pipeline: an agent surfacing a validated insight it reached
// by some other means (a user correction, a one-off investigation).
type StoreValueInput struct {
	ClusterID   string  `json:"cluster_id,omitempty"`
	Statement   string  `json:"statement"`
	Confidence  float64 `json:"confidence"`
	SupportSize int     `json:"support_size,omitempty"`
}

// StoreValueOutput is the minimal response to a successful store.
type StoreValueOutput struct {
	ID string `json:"id"`
}

func (s *Server) mcpStoreValueHandler(ctx context.Context, _ *mcp.CallToolRequest, input StoreValueInput) (*mcp.CallToolResult, StoreValueOutput, error) {
	if input.Statement == "" {
		return nil, StoreValueOutput{}, MapError(amerrors.ValidationError("statement is required", nil))
	}
	if input.Confidence < 0 || input.Confidence > 1 {
		return nil, StoreValueOutput{}, MapError(amerrors.ValidationError("confidence must be between 0 and 1", nil))
	}

	now := time.Now()
	value := &store.Value{
		ID: uuid.NewString(), ClusterID: input.ClusterID, Statement: input.Statement,
		Confidence: input.Confidence, SupportSize: input.SupportSize, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.metadata.SaveValue(ctx, value); err != nil {
		return nil, StoreValueOutput{}, MapError(amerrors.StorageError("save value", err))
	}
	return nil, StoreValueOutput{ID: value.ID}, nil
}

// ListValuesInput has no parameters; every value is returned.
type ListValuesInput struct{}

// ListValuesOutput is every distilled value.
type ListValuesOutput struct {
	Results []ValueOutput `json:"results"`
}

func (s *Server) mcpListValuesHandler(ctx context.Context, _ *mcp.CallToolRequest, _ ListValuesInput) (*mcp.CallToolResult, ListValuesOutput, error) {
	values, err := s.metadata.ListValues(ctx)
	if err != nil {
		return nil, ListValuesOutput{}, MapError(amerrors.StorageError("list values", err))
	}
	out := ListValuesOutput{Results: make([]ValueOutput, len(values))}
	for i, v := range values {
		out.Results[i] = ValueOutput{
			ID: v.ID, Axis: string(v.Axis), ClusterID: v.ClusterID, Statement: v.Statement,
			SimilarityToCentroid: v.SimilarityToCentroid, Confidence: v.Confidence, SupportSize: v.SupportSize,
		}
	}
	return nil, out, nil
}
