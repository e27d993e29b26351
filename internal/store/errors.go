// Package store implements the per-tenant versioned FHIR resource store: the
// interaction surface (create/read/update/delete/search), the capability
// statement, batch and transaction bundles, the interaction router, and the
// host that owns all tenants.
package store

import (
	"fmt"
	"net/http"
)

// Kind classifies a store failure. Kinds map to HTTP status codes and
// OperationOutcome issue codes at the response boundary.
type Kind int

const (
	KindMalformedInput Kind = iota
	KindUnsupportedType
	KindNotFound
	KindPreconditionFailed
	KindConflict
	KindUnsupportedMediaType
	KindInvariant
	KindCancelled
	KindInternal
)

// HTTPStatus maps an error kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMalformedInput:
		return http.StatusBadRequest
	case KindUnsupportedType, KindNotFound:
		return http.StatusNotFound
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindConflict:
		return http.StatusConflict
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindInvariant:
		return http.StatusUnprocessableEntity
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// issueCode is the OperationOutcome.issue.code value for the kind.
func (k Kind) issueCode() string {
	switch k {
	case KindMalformedInput:
		return "invalid"
	case KindUnsupportedType:
		return "not-supported"
	case KindNotFound:
		return "not-found"
	case KindPreconditionFailed:
		return "conflict"
	case KindConflict:
		return "duplicate"
	case KindUnsupportedMediaType:
		return "not-supported"
	case KindInvariant:
		return "invariant"
	case KindCancelled:
		return "timeout"
	default:
		return "exception"
	}
}

// Error is a store failure with a classification and a human-readable
// diagnostic. All interaction failures are reported as *Error.
type Error struct {
	Kind        Kind
	Diagnostics string
}

func (e *Error) Error() string { return e.Diagnostics }

func errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Diagnostics: fmt.Sprintf(format, args...)}
}

// Outcome builds an OperationOutcome resource with a single issue.
func Outcome(severity, code, diagnostics string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    severity,
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
}

// OutcomeForError builds the OperationOutcome for a failed interaction.
func OutcomeForError(err error) map[string]interface{} {
	if se, ok := err.(*Error); ok {
		return Outcome("error", se.Kind.issueCode(), se.Diagnostics)
	}
	return Outcome("error", "exception", err.Error())
}
