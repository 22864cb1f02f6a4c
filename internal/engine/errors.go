package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/graph"
)

// Sentinel error kinds. Every error leaving the engine wraps exactly one
// of these, so callers classify with errors.Is.
var (
	ErrAuth             = errors.New("engine: authentication failed")
	ErrRemoteTransient  = errors.New("engine: transient remote failure")
	ErrRemotePermanent  = errors.New("engine: permanent remote failure")
	ErrLocalIO          = errors.New("engine: local filesystem failure")
	ErrChecksumMismatch = errors.New("engine: checksum mismatch")
	ErrStateStore       = errors.New("engine: state store failure")
	ErrCancelled        = errors.New("engine: cancelled")
	ErrConfig           = errors.New("engine: invalid account configuration")
)

// DeltaProcessingError is a fatal failure while consuming the change
// stream. Progress up to the last fully applied page is already durable;
// the token field names the resume point.
type DeltaProcessingError struct {
	HashedAccountID string
	PagesApplied    int
	ResumeToken     string
	Err             error
}

func (e *DeltaProcessingError) Error() string {
	return fmt.Sprintf("engine: delta processing failed after %d pages for %s: %v",
		e.PagesApplied, e.HashedAccountID, e.Err)
}

func (e *DeltaProcessingError) Unwrap() error { return e.Err }

// classify maps an arbitrary error onto one of the engine sentinels.
// Errors already carrying a sentinel pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuth), errors.Is(err, ErrRemoteTransient),
		errors.Is(err, ErrRemotePermanent), errors.Is(err, ErrLocalIO),
		errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrStateStore),
		errors.Is(err, ErrCancelled), errors.Is(err, ErrConfig):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, graph.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case graph.IsTransient(err):
		return fmt.Errorf("%w: %w", ErrRemoteTransient, err)
	case errors.Is(err, graph.ErrBadRequest), errors.Is(err, graph.ErrForbidden),
		errors.Is(err, graph.ErrNotFound), errors.Is(err, graph.ErrGone):
		return fmt.Errorf("%w: %w", ErrRemotePermanent, err)
	default:
		return err
	}
}
