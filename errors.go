package vault

import (
	"errors"
	"fmt"
)

// Kind classifies the error kinds a repository operation can fail with.
// Integrity failures are never retried. A chunk that cannot be loaded
// while reading or editing an object is reported as KindIntegrity
// whatever the cause, a backend I/O failure included, and does not poison
// the session; only Repository.Verify marks the session poisoned when it
// finds a chunk that fails to decode.
type Kind string

const (
	KindAlreadyExists     Kind = "already_exists"
	KindNotFound          Kind = "not_found"
	KindInvalidKey        Kind = "invalid_key"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindPassword          Kind = "password"
	KindIntegrity         Kind = "integrity"
	KindBackend           Kind = "backend"
	KindLocked            Kind = "locked"
	KindCorrupt           Kind = "corrupt"
	KindPoisoned          Kind = "poisoned"
)

// Error is the error type returned by every exported operation in this
// package. Op names the failing operation for logging; Err is the
// underlying cause, if any, and is reachable via errors.Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("vault: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind carried by err, or "" if err does not wrap a
// *Error produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind. It is meant for use with
// errors.Is-style call sites: `if vault.Is(err, vault.KindNotFound)`.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
