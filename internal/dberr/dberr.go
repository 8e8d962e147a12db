// Package dberr defines the error taxonomy shared by the engine, the
// catalog, and the wire protocol. Every error carries a kind (the
// string reported in the "error" field of a response) and a message.
package dberr

import (
	"errors"
	"fmt"
)

// Kind identifies an error class on the wire.
type Kind string

const (
	KindNoError               Kind = "NoError"
	KindMissingConfig         Kind = "MissingConfigError"
	KindInvalidUser           Kind = "InvalidUserError"
	KindAuthIntegrity         Kind = "AuthIntegrityError"
	KindDatabaseNotFound      Kind = "DatabaseNotFoundError"
	KindDatabaseAlreadyExists Kind = "DatabaseAlreadyExistsError"
	KindSectionNotFound       Kind = "SectionNotFoundError"
	KindSectionAlreadyExists  Kind = "SectionAlreadyExistsError"
	KindIDDoesNotExist        Kind = "IdDoesNotExistError"
	KindUnknownKey            Kind = "UnknownKeyError"
	KindSchemaType            Kind = "SchemaTypeError"
	KindMalformedQuery        Kind = "MalformedQueryError"
	KindMalformedIDGenerator  Kind = "MalformedIdGeneratorError"
	KindTypeError             Kind = "TypeError"
	KindInvalidState          Kind = "InvalidStateError"
	KindInternal              Kind = "InternalError"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports kind equality, so errors.Is(err, dberr.SectionNotFound("x"))
// style comparisons work against any error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the wire kind from an error. Unclassified errors
// report as InternalError.
func KindOf(err error) Kind {
	if err == nil {
		return KindNoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
