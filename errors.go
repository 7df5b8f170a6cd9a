package mcpscout

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies where in the engine a failure originated.
type ErrorCategory int

// Error categories, ordered roughly from the wire upward.
const (
	CategoryConnection ErrorCategory = iota
	CategoryTransport
	CategoryProtocol
	CategoryDiscovery
	CategoryMatching
	CategoryTimeout
	CategoryConfiguration
	CategoryValidation
)

// Severity grades how much a failure should concern the caller. Discovery
// skips are low, transport retry exhaustion is medium to high, and only
// failures the caller configured as fatal (such as pool creation) are
// critical.
type Severity int

// Severity levels.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Error is the engine's error type. It carries a category and severity on top
// of a wrapped cause, so callers can route on errors.As without string
// matching.
type Error struct {
	Category ErrorCategory
	Severity Severity

	msg string
	err error
}

func newError(cat ErrorCategory, sev Severity, msg string, err error) *Error {
	return &Error{Category: cat, Severity: sev, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Category, e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Category, e.msg, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches two engine errors on category, so
// errors.Is(err, &Error{Category: CategoryTimeout}) works as a class check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Category == t.Category
}

func (c ErrorCategory) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryTransport:
		return "transport"
	case CategoryProtocol:
		return "protocol"
	case CategoryDiscovery:
		return "discovery"
	case CategoryMatching:
		return "matching"
	case CategoryTimeout:
		return "timeout"
	case CategoryConfiguration:
		return "configuration"
	case CategoryValidation:
		return "validation"
	default:
		return "unknown"
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
