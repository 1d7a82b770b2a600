package jobs

import (
	"errors"

	"github.com/rossigee/page-generator/pkg/types"
)

// Kind classifies why a job could not be created or why it failed
type Kind string

const (
	KindInvalidInput           Kind = "InvalidInput"
	KindBackendTimeout         Kind = "BackendTimeout"
	KindBackendError           Kind = "BackendError"
	KindMalformedResponse      Kind = "MalformedResponse"
	KindSchemaValidationFailed Kind = "SchemaValidationFailed"
	KindPersistenceFailed      Kind = "PersistenceFailed"
	KindEngineUnavailable      Kind = "EngineUnavailable"
	KindInternal               Kind = "Internal"
)

var (
	// ErrInvalidInput is returned by Submit for an empty prompt; no job is created
	ErrInvalidInput = errors.New("prompt must not be empty")

	// ErrEngineUnavailable is returned by Submit when the job cannot be recorded or the engine is shutting down
	ErrEngineUnavailable = errors.New("job engine unavailable")
)

// Error is a stage failure. Its message is what gets persisted as the job's errorMessage.
type Error struct {
	Kind  Kind
	Stage types.Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, stage types.Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of a stage failure, or KindInternal for anything else
func KindOf(err error) Kind {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrEngineUnavailable):
		return KindEngineUnavailable
	}
	return KindInternal
}
