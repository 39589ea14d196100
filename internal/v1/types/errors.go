package types

import "fmt"

// ErrorKind is the stanza-level error taxonomy. Kinds map one-to-one onto
// wire error conditions; they are compared by value, not by type.
type ErrorKind string

const (
	KindNotAuthorized       ErrorKind = "not-authorized"
	KindForbidden           ErrorKind = "forbidden"
	KindNotAcceptable       ErrorKind = "not-acceptable"
	KindBadRequest          ErrorKind = "bad-request"
	KindItemNotFound        ErrorKind = "item-not-found"
	KindServiceUnavailable  ErrorKind = "service-unavailable"
	KindResourceConstraint  ErrorKind = "resource-constraint"
	KindConflict            ErrorKind = "conflict"
	KindInternalServerError ErrorKind = "internal-server-error"
	KindTimeout             ErrorKind = "timeout"
	KindSessionInvalid      ErrorKind = "session-invalid"
)

// StanzaError is an error that can be rendered as a wire error element.
// Extension carries an optional application-defined tag, e.g.
// "session-invalid" or "reservation-error" with an HTTP-style code.
type StanzaError struct {
	Kind      ErrorKind
	Text      string
	Extension string
	Code      int
}

func (e *StanzaError) Error() string {
	if e.Text == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// NewStanzaError builds a StanzaError with a formatted text.
func NewStanzaError(kind ErrorKind, format string, args ...any) *StanzaError {
	return &StanzaError{Kind: kind, Text: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, defaulting to
// internal-server-error for anything that is not a StanzaError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if se, ok := err.(*StanzaError); ok {
		return se.Kind
	}
	return KindInternalServerError
}
