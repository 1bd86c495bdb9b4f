// Package errors provides structured error types for the deployment
// reconciler. Every stage failure carries a machine-readable code, the
// stage it happened in, and the entity it concerns, so the external
// trigger (task queue, ops endpoint) can report which part of the
// pipeline broke without parsing message strings.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid")
)

// Pipeline stage identifiers.
const (
	StageManifest = "manifest"
	StageRender   = "render"
	StageConverge = "converge"
	StageDiscover = "discover"
	StagePublish  = "publish"
	StagePersist  = "persist"
)

// Error codes. One per pipeline failure class plus store-level codes.
const (
	// CodeConfigurationInvalid: a service has neither image nor build (or
	// both), or otherwise fails desired-state validation. Rejected before
	// any external invocation.
	CodeConfigurationInvalid = "CONFIGURATION_INVALID"

	// CodeRenderFailed: template/context mismatch or unwritable destination.
	CodeRenderFailed = "RENDER_FAILED"

	// CodeRuntimeFailed: external runtime/proxy command exited non-zero or
	// timed out.
	CodeRuntimeFailed = "RUNTIME_INVOCATION_FAILED"

	// CodePersistenceFailed: the store could not record a discovered port.
	CodePersistenceFailed = "PERSISTENCE_FAILED"

	// Store-level codes.
	CodeProjectNotFound  = "PROJECT_NOT_FOUND"
	CodeServiceNotFound  = "SERVICE_NOT_FOUND"
	CodeContainerUnknown = "CONTAINER_NOT_FOUND"
	CodeNameTaken        = "NAME_ALREADY_TAKEN"
)

// StageError is a structured pipeline error identifying which stage and
// which entity (service/container) was involved.
type StageError struct {
	// Code is a machine-readable error code (e.g. "RENDER_FAILED").
	Code string `json:"code"`

	// Stage is the pipeline stage that failed.
	Stage string `json:"stage,omitempty"`

	// Entity names the service or container involved, when known.
	Entity string `json:"entity,omitempty"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StageError) Error() string {
	var b []string
	if e.Stage != "" {
		b = append(b, e.Stage)
	}
	b = append(b, e.Code)
	if e.Entity != "" {
		b = append(b, e.Entity)
	}
	msg := fmt.Sprintf("%s: %s", strings.Join(b, ": "), e.Message)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}

// New creates a new StageError.
func New(code, stage, message string) *StageError {
	return &StageError{Code: code, Stage: stage, Message: message}
}

// Wrap wraps an existing error into a StageError.
func Wrap(err error, code, stage, message string) *StageError {
	return &StageError{Code: code, Stage: stage, Message: message, Err: err}
}

// WithEntity attaches the service/container name to the error.
func (e *StageError) WithEntity(entity string) *StageError {
	if e == nil {
		return nil
	}
	e.Entity = entity
	return e
}

// Configuration creates a CONFIGURATION_INVALID error for an entity.
func Configuration(entity, message string) *StageError {
	return &StageError{
		Code:    CodeConfigurationInvalid,
		Stage:   StageManifest,
		Entity:  entity,
		Message: message,
	}
}

// Render wraps a template rendering failure.
func Render(err error, message string) *StageError {
	return Wrap(err, CodeRenderFailed, StageRender, message)
}

// Runtime wraps an external command failure for the given stage.
func Runtime(err error, stage, message string) *StageError {
	return Wrap(err, CodeRuntimeFailed, stage, message)
}

// Persistence wraps a store failure during port discovery.
func Persistence(err error, message string) *StageError {
	return Wrap(err, CodePersistenceFailed, StagePersist, message)
}

// IsStageError checks if an error is a StageError and returns it.
func IsStageError(err error) (*StageError, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	if se, ok := IsStageError(err); ok {
		return se.Code == code
	}
	return false
}
