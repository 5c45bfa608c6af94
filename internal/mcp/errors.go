// Package mcp implements the Model Context Protocol (MCP) server for Clams.
package mcp

import (
	"context"
	"errors"
	"fmt"

	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/ghap"
)

// Kind is the closed set of failure kinds a tool call or HTTP request can
// report. internal/httpapi's error encoder and MapError share this set so
// a caller sees the same vocabulary over either transport.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindInsufficientData Kind = "insufficient_data"
	KindStorage          Kind = "storage_error"
	KindEmbedding        Kind = "embedding_error"
	KindTimeout          Kind = "timeout"
	KindInternal         Kind = "internal_error"
)

// MCPError is the one error shape returned by every tool call and every
// internal/httpapi response body, as {error: {kind, message, hint?}}.
type MCPError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// MapError classifies an error into the tool/HTTP failure taxonomy.
// internal/errors.AmanError carries most of the classification already
// (Category, Code); the two ghap conflict sentinels and context's
// cancellation errors are the only failures that don't arrive as one.
// Anything unrecognized becomes KindInternal rather than leaking a raw
// Go error string to a caller.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var activeExists ghap.ErrActiveGhapExists
	if errors.As(err, &activeExists) {
		return &MCPError{
			Kind:    KindConflict,
			Message: activeExists.Error(),
			Hint:    "resolve the active ghap entry before starting another",
		}
	}
	if errors.Is(err, ghap.ErrNoActiveGhap) {
		return &MCPError{
			Kind:    KindNotFound,
			Message: err.Error(),
			Hint:    "call start_ghap before update_ghap/resolve_ghap/get_active_ghap",
		}
	}

	var amanErr *amerrors.AmanError
	if errors.As(err, &amanErr) {
		return mapAmanError(amanErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Kind: KindTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return &MCPError{Kind: KindTimeout, Message: "request was canceled"}
	default:
		return &MCPError{Kind: KindInternal, Message: "internal server error"}
	}
}

// mapAmanError classifies an AmanError first by its specific code (storage
// and embedding failures share the INTERNAL category but need distinct
// kinds), then falls back to its Category for everything else.
func mapAmanError(ae *amerrors.AmanError) *MCPError {
	message := ae.Message
	if ae.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ae.Message, ae.Suggestion)
	}

	switch ae.Code {
	case amerrors.ErrCodeStorageFailed:
		return &MCPError{Kind: KindStorage, Message: message}
	case amerrors.ErrCodeEmbeddingFailed:
		return &MCPError{Kind: KindEmbedding, Message: message}
	case amerrors.ErrCodeNetworkTimeout, amerrors.ErrCodeNetworkUnavailable:
		return &MCPError{Kind: KindTimeout, Message: message}
	case amerrors.ErrCodeGitNotConfigured:
		return &MCPError{Kind: KindValidation, Message: message, Hint: "enable git.enabled in config and set git.repo_path"}
	}

	switch ae.Category {
	case amerrors.CategoryValidation:
		return &MCPError{Kind: KindValidation, Message: message}
	case amerrors.CategoryNotFound:
		return &MCPError{Kind: KindNotFound, Message: message}
	case amerrors.CategoryConflict:
		return &MCPError{Kind: KindConflict, Message: message}
	case amerrors.CategoryInsufficientData:
		return &MCPError{Kind: KindInsufficientData, Message: message}
	default: // CategoryConfig, CategoryIO, CategoryNetwork, CategoryInternal
		return &MCPError{Kind: KindInternal, Message: message}
	}
}
