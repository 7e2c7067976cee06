// Package errs defines the error kinds shared by the indexing and retrieval
// pipeline. Callers branch on Kind rather than on concrete error types.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; it never matches a sentinel.
	KindUnknown Kind = iota
	// FileScoped failures affect one file; the job continues.
	FileScoped
	// ServiceUnavailable means the embedding backend is unreachable or incompatible.
	ServiceUnavailable
	// BackendError is any other non-2xx response from a backend.
	BackendError
	// NotFound is reported by a content source for a missing path.
	NotFound
	// AuthFailure is reported by a content source that refused access.
	AuthFailure
	// JobInProgress rejects a second job for a project that already has one running.
	JobInProgress
	// Superseded marks writes from a job that was deleted or replaced.
	Superseded
	// Fatal is an unexpected failure caught at the job boundary.
	Fatal
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	FileScoped:         "file_scoped",
	ServiceUnavailable: "service_unavailable",
	BackendError:       "backend_error",
	NotFound:           "not_found",
	AuthFailure:        "auth_failure",
	JobInProgress:      "job_in_progress",
	Superseded:         "superseded",
	Fatal:              "fatal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind != KindUnknown && t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// Sentinels for errors.Is.
var (
	ErrFileScoped         = &Error{Kind: FileScoped}
	ErrServiceUnavailable = &Error{Kind: ServiceUnavailable}
	ErrBackend            = &Error{Kind: BackendError}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrAuthFailure        = &Error{Kind: AuthFailure}
	ErrJobInProgress      = &Error{Kind: JobInProgress}
	ErrSuperseded         = &Error{Kind: Superseded}
	ErrFatal              = &Error{Kind: Fatal}
)

// E builds an *Error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Wrap attaches kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsServiceUnavailable(err error) bool { return errors.Is(err, ErrServiceUnavailable) }
func IsBackend(err error) bool            { return errors.Is(err, ErrBackend) }
func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsAuthFailure(err error) bool        { return errors.Is(err, ErrAuthFailure) }
func IsJobInProgress(err error) bool      { return errors.Is(err, ErrJobInProgress) }
func IsSuperseded(err error) bool         { return errors.Is(err, ErrSuperseded) }
