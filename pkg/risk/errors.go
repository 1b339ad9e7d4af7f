package risk

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// StagedError is implemented by every pipeline error so failures can be attributed.
type StagedError interface {
	error
	Stage() Stage
}

// ErrNotFound is returned by providers and repositories when nothing matches.
var ErrNotFound = errors.New("not found")

// ErrStaleScore is returned when a score version lower than the stored one is written.
var ErrStaleScore = errors.New("stale score version")

// UnsupportedFormatError is fatal for the whole file.
type UnsupportedFormatError struct {
	Format Format
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format: %q", string(e.Format))
}

func (e *UnsupportedFormatError) Stage() Stage { return StageNormalize }

// MalformedDocumentError is fatal for the whole file: nothing from it is yielded.
type MalformedDocumentError struct {
	Format Format
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed %s document: %v", e.Format, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }
func (e *MalformedDocumentError) Stage() Stage  { return StageNormalize }

// ExtractionError is retryable at record level.
type ExtractionError struct {
	RecordID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for record %s: %v", e.RecordID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
func (e *ExtractionError) Stage() Stage  { return StageExtract }

// ProviderError is tolerated at entity level and recorded as PROVIDER_ERROR.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
func (e *ProviderError) Stage() Stage  { return StageEnrich }

// ProviderTimeout is tolerated at entity level and recorded as TIMEOUT.
type ProviderTimeout struct {
	Provider string
	After    time.Duration
}

func (e *ProviderTimeout) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Provider, e.After)
}

func (e *ProviderTimeout) Stage() Stage { return StageEnrich }

// ResolutionConflictError is raised when a name maps to incompatible entity types.
// It is never resolved automatically.
type ResolutionConflictError struct {
	Name         string
	Key          string
	ExistingType EntityType
	IncomingType EntityType
	ExistingID   string
}

func (e *ResolutionConflictError) Error() string {
	return fmt.Sprintf("resolution conflict for %q: registered as %s, seen as %s", e.Name, e.ExistingType, e.IncomingType)
}

func (e *ResolutionConflictError) Stage() Stage { return StageResolve }

// PersistenceError is retryable at record level under its own policy.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Stage() Stage  { return StagePersist }

// Retryable reports whether err should be retried at record level.
func Retryable(err error) bool {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return true
	}
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// StageOf returns the stage attributed to err, or fallback when err carries none.
func StageOf(err error, fallback Stage) Stage {
	var se StagedError
	if errors.As(err, &se) {
		return se.Stage()
	}
	return fallback
}
