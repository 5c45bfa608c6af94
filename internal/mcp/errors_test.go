package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/ghap"
)

func TestMapError_NilError(t *testing.T) {
	result := MapError(nil)
	assert.Nil(t, result)
}

func TestMapError_DeadlineExceeded(t *testing.T) {
	result := MapError(context.DeadlineExceeded)

	require.NotNil(t, result)
	assert.Equal(t, KindTimeout, result.Kind)
	assert.Contains(t, result.Message, "timed out")
}

func TestMapError_Canceled(t *testing.T) {
	result := MapError(context.Canceled)

	require.NotNil(t, result)
	assert.Equal(t, KindTimeout, result.Kind)
	assert.Contains(t, result.Message, "canceled")
}

func TestMapError_UnknownError(t *testing.T) {
	result := MapError(errors.New("some unknown error"))

	require.NotNil(t, result)
	assert.Equal(t, KindInternal, result.Kind)
}

func TestMapError_ActiveGhapExists(t *testing.T) {
	err := ghap.ErrActiveGhapExists{ID: "ghap-1"}

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindConflict, result.Kind)
	assert.Contains(t, result.Message, "ghap-1")
	assert.NotEmpty(t, result.Hint)
}

func TestMapError_NoActiveGhap(t *testing.T) {
	result := MapError(ghap.ErrNoActiveGhap)

	require.NotNil(t, result)
	assert.Equal(t, KindNotFound, result.Kind)
}

func TestMapError_WrappedActiveGhapExists(t *testing.T) {
	err := fmt.Errorf("starting episode: %w", ghap.ErrActiveGhapExists{ID: "ghap-2"})

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindConflict, result.Kind)
}

func TestMCPError_Error(t *testing.T) {
	err := &MCPError{Kind: KindValidation, Message: "missing required field"}

	msg := err.Error()

	assert.Contains(t, msg, string(KindValidation))
	assert.Contains(t, msg, "missing required field")
}

func TestMapError_AmanError_NotFound(t *testing.T) {
	err := amerrors.NotFoundError("memory 'abc' not found", nil)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindNotFound, result.Kind)
	assert.Contains(t, result.Message, "abc")
}

func TestMapError_AmanError_NetworkTimeout(t *testing.T) {
	err := amerrors.New(amerrors.ErrCodeNetworkTimeout, "connection timed out", nil)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindTimeout, result.Kind)
}

func TestMapError_AmanError_ValidationError(t *testing.T) {
	err := amerrors.ValidationError("query cannot be empty", nil)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindValidation, result.Kind)
}

func TestMapError_AmanError_StorageError(t *testing.T) {
	err := amerrors.StorageError("save memory", errors.New("disk full"))

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindStorage, result.Kind)
}

func TestMapError_AmanError_EmbeddingError(t *testing.T) {
	err := amerrors.Wrap(amerrors.ErrCodeEmbeddingFailed, errors.New("model unavailable"))

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindEmbedding, result.Kind)
}

func TestMapError_AmanError_InsufficientData(t *testing.T) {
	err := amerrors.InsufficientDataError("need at least 5 entries, have 3", nil)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindInsufficientData, result.Kind)
}

func TestMapError_AmanError_Conflict(t *testing.T) {
	err := amerrors.ConflictError(amerrors.ErrCodeActiveGhapExists, "active ghap exists", nil)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindConflict, result.Kind)
}

func TestMapError_AmanError_WithSuggestion(t *testing.T) {
	err := amerrors.NotFoundError("cluster not found", nil).
		WithSuggestion("run get_clusters first")

	result := MapError(err)

	require.NotNil(t, result)
	assert.Contains(t, result.Message, "cluster not found")
	assert.Contains(t, result.Message, "run get_clusters first")
}

func TestMapError_AmanError_Internal(t *testing.T) {
	err := amerrors.InternalError("unexpected error", nil)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindInternal, result.Kind)
}

func TestMapError_WrappedAmanError(t *testing.T) {
	amanErr := amerrors.New(amerrors.ErrCodeNetworkTimeout, "timeout", nil)
	err := fmt.Errorf("operation failed: %w", amanErr)

	result := MapError(err)

	require.NotNil(t, result)
	assert.Equal(t, KindTimeout, result.Kind)
}
