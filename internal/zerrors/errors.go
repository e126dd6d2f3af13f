// Package zerrors implements the typed error taxonomy used across the
// projection engine. Every constructor wraps an underlying cause with a
// stable id (for log correlation) and a message key (for localization by
// the outer API layer) and can be mapped to an HTTP status code or a gRPC
// code by that outer layer. The engine itself never inspects HTTP/gRPC
// codes; it only ever throws and checks Is*.
package zerrors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindUnauthenticated
	KindPermissionDenied
	KindNotFound
	KindAlreadyExists
	KindPreconditionFailed
	KindInternal
	KindUnimplemented
)

// Error is the concrete type produced by every Throw* constructor.
type Error struct {
	Parent  error
	ID      string
	Message string
	Kind    Kind
}

func (e *Error) Error() string {
	if e.Parent != nil {
		return fmt.Sprintf("ID=%s Message=%s Parent=(%v)", e.ID, e.Message, e.Parent)
	}
	return fmt.Sprintf("ID=%s Message=%s", e.ID, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Parent
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.ID != "" && t.ID != e.ID {
		return false
	}
	if t.Kind != KindUnknown && t.Kind != e.Kind {
		return false
	}
	return true
}

func throw(parent error, id, message string, kind Kind) error {
	return &Error{Parent: parent, ID: id, Message: message, Kind: kind}
}

func ThrowInvalidArgument(parent error, id, message string) error {
	return throw(parent, id, message, KindInvalidArgument)
}

func ThrowUnauthenticated(parent error, id, message string) error {
	return throw(parent, id, message, KindUnauthenticated)
}

func ThrowPermissionDenied(parent error, id, message string) error {
	return throw(parent, id, message, KindPermissionDenied)
}

func ThrowNotFound(parent error, id, message string) error {
	return throw(parent, id, message, KindNotFound)
}

func ThrowAlreadyExists(parent error, id, message string) error {
	return throw(parent, id, message, KindAlreadyExists)
}

func ThrowPreconditionFailed(parent error, id, message string) error {
	return throw(parent, id, message, KindPreconditionFailed)
}

func ThrowInternal(parent error, id, message string) error {
	return throw(parent, id, message, KindInternal)
}

func ThrowUnimplemented(parent error, id, message string) error {
	return throw(parent, id, message, KindUnimplemented)
}

func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

func IsAlreadyExists(err error) bool {
	return hasKind(err, KindAlreadyExists)
}

func IsPreconditionFailed(err error) bool {
	return hasKind(err, KindPreconditionFailed)
}

func IsInternal(err error) bool {
	return hasKind(err, KindInternal)
}

func IsInvalidArgument(err error) bool {
	return hasKind(err, KindInvalidArgument)
}

func hasKind(err error, kind Kind) bool {
	var zErr *Error
	if !errors.As(err, &zErr) {
		return false
	}
	return zErr.Kind == kind
}

// HTTPStatus maps a Kind to the HTTP status code documented at the admin
// API boundary. The engine never calls this itself; it exists for the
// (out of scope) outer service layer to depend on.
func HTTPStatus(err error) int {
	var zErr *Error
	if !errors.As(err, &zErr) {
		return 500
	}
	switch zErr.Kind {
	case KindInvalidArgument:
		return 400
	case KindUnauthenticated:
		return 401
	case KindPermissionDenied:
		return 403
	case KindNotFound:
		return 404
	case KindAlreadyExists:
		return 409
	case KindPreconditionFailed:
		return 412
	case KindUnimplemented:
		return 501
	default:
		return 500
	}
}
