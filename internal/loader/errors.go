package loader

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootload/internal/image"
)

// Kind classifies a load failure. Kinds are errors themselves so callers
// can test with errors.Is(err, loader.ErrTruncatedRead).
type Kind int

const (
	ErrArtifactNotFound Kind = iota + 1
	ErrArtifactUnreadable
	ErrEmptyArtifact
	ErrUnsupportedFormat
	ErrAllocationFailed
	ErrDeferredMappingFailed
	ErrTruncatedRead
	ErrCacheMaintenanceTargetMissing
	ErrCacheMaintenanceFailed
	ErrInvalidArgument
)

var kindNames = map[Kind]string{
	ErrArtifactNotFound:              "artifact not found",
	ErrArtifactUnreadable:            "artifact unreadable",
	ErrEmptyArtifact:                 "empty artifact",
	ErrUnsupportedFormat:             "unsupported format",
	ErrAllocationFailed:              "allocation failed",
	ErrDeferredMappingFailed:         "deferred mapping failed",
	ErrTruncatedRead:                 "truncated read",
	ErrCacheMaintenanceTargetMissing: "cache maintenance target missing",
	ErrCacheMaintenanceFailed:        "cache maintenance failed",
	ErrInvalidArgument:               "invalid argument",
}

func (k Kind) Error() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("loader error %d", int(k))
}

// Fatal reports whether the failure leaves guest memory in a state that is
// unsafe to execute from.
func (k Kind) Fatal() bool {
	return k == ErrCacheMaintenanceFailed
}

// Error is returned by every loader operation.
type Error struct {
	Kind     Kind
	Artifact string
	// Format is only meaningful once the artifact has been classified.
	Format     image.Format
	Classified bool
	// Offset is the artifact offset the failure relates to, or -1.
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("load %q: %s", e.Artifact, e.Kind)
	if e.Classified {
		msg += fmt.Sprintf(" (format %s)", e.Format)
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %#x", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsFatal reports whether err requires tearing down the VM rather than
// retrying or skipping the artifact.
func IsFatal(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind.Fatal()
	}
	return errors.Is(err, ErrCacheMaintenanceFailed)
}

// KindOf returns the Kind carried by err, or zero.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func newError(kind Kind, artifact string, err error) *Error {
	return &Error{Kind: kind, Artifact: artifact, Offset: -1, Err: err}
}

var (
	_ error = Kind(0)
	_ error = &Error{}
)
