package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an entity doesn't exist or is tombstoned.
	ErrNotFound = errors.New("espalier: entity not found")

	// ErrAdapterNotRegistered is returned when no adapter exists for an
	// encountered type. This is a configuration error: fail fast, never retry.
	ErrAdapterNotRegistered = errors.New("espalier: no adapter registered for type")

	// ErrConcurrentModification is returned when an etag-conditional write
	// observes a different etag in storage.
	ErrConcurrentModification = errors.New("espalier: entity was modified concurrently")

	// ErrRekeyConflict is returned when a rekey target already holds a
	// different record.
	ErrRekeyConflict = errors.New("espalier: rekey target already exists")

	// ErrBackendClosed is returned by operations on a closed backend.
	ErrBackendClosed = errors.New("espalier: backend is closed")
)

// ErrorKind classifies a fetch or storage failure for retry decisions.
type ErrorKind int

const (
	// KindUnknown means the failure carries no classification; callers fall
	// back to the message heuristic in Retryable.
	KindUnknown ErrorKind = iota

	// KindTransient marks failures worth retrying (timeouts, dropped
	// connections).
	KindTransient

	// KindPermanent marks failures that will not succeed on retry.
	KindPermanent
)

// FetchError wraps an entity-level failure with an explicit kind so that
// retryability does not depend on message text.
type FetchError struct {
	Key  EntityKey
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("espalier: fetch %s: %v", e.Key.Ref(), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CompositionError reports a composition that could not fully materialize.
// It carries the partial result diagnostics the orchestration layer needs to
// choose between retrying, serving stale data, and hard-failing.
type CompositionError struct {
	// Root is the entity the composition started from.
	Root EntityKey

	// PartialRecords counts entities composed successfully before and after
	// the failures.
	PartialRecords int

	// TotalExpected is the number of entities the traversal attempted, when
	// known. Zero means unknown.
	TotalExpected int

	// FailedEntities maps each entity that failed to denormalize to its
	// error.
	FailedEntities map[EntityKey]error

	// MaxDepthReached reports depth truncation observed alongside the
	// failures.
	MaxDepthReached bool
}

func (e *CompositionError) Error() string {
	if len(e.FailedEntities) == 0 {
		return fmt.Sprintf("espalier: compose %s: root record missing", e.Root.Ref())
	}
	return fmt.Sprintf("espalier: compose %s: %d of %d entities failed (%d composed)",
		e.Root.Ref(), len(e.FailedEntities), e.TotalExpected, e.PartialRecords)
}

// Retryable reports whether any failed entity looks transient. Errors that
// carry an ErrorKind are classified by it; unclassified errors fall back to
// matching timeout/connection signals in the message text.
func (e *CompositionError) Retryable() bool {
	for _, err := range e.FailedEntities {
		var fe *FetchError
		if errors.As(err, &fe) {
			switch fe.Kind {
			case KindTransient:
				return true
			case KindPermanent:
				continue
			}
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") {
			return true
		}
	}
	return false
}

// Unwrap exposes the failed-entity errors for errors.Is checks. A missing
// root unwraps to ErrNotFound.
func (e *CompositionError) Unwrap() []error {
	if len(e.FailedEntities) == 0 {
		return []error{ErrNotFound}
	}
	errs := make([]error, 0, len(e.FailedEntities))
	for _, err := range e.FailedEntities {
		errs = append(errs, err)
	}
	return errs
}
