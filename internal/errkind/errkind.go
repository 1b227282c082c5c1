// Package errkind classifies errors raised by the sync core into the
// semantic categories a SyncWorker and Supervisor need to react to.
// Classification is attached to an error rather than encoded in its type,
// so ordinary wrapping (fmt.Errorf, pingcap/errors) still composes with it.
package errkind

import (
	stderrors "errors"

	"github.com/pingcap/errors"
)

// Kind is one of the error categories a worker distinguishes.
type Kind int

const (
	// Unknown is the zero value; treated the same as Bug.
	Unknown Kind = iota
	// ConfigInvalid means the task can never succeed with its current config.
	ConfigInvalid
	// SourceTransient means the MySQL connection hiccuped; Supervisor reconnects.
	SourceTransient
	// SourceFatal means the binlog position is unrecoverable; operator must reset.
	SourceFatal
	// SinkTransient means the sink had a retryable failure; BulkWriter retries.
	SinkTransient
	// SinkApplicationError means a non-duplicate bulk-write failure; batch abandoned.
	SinkApplicationError
	// SchemaMissing means a table has no detectable primary key.
	SchemaMissing
	// Bug is an unchecked programmer error captured by a top-level recover.
	Bug
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case SourceTransient:
		return "source_transient"
	case SourceFatal:
		return "source_fatal"
	case SinkTransient:
		return "sink_transient"
	case SinkApplicationError:
		return "sink_application_error"
	case SchemaMissing:
		return "schema_missing"
	case Bug:
		return "bug"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap annotates err with a kind and a stack trace, in the teacher's
// pingcap/errors idiom (errors.AddStack preserves the original message).
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.AddStack(err)}
}

// Of returns the Kind attached to err, or Unknown if none is attached.
func Of(err error) Kind {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
