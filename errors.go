package scriptrt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the core surfaces to callers and
// scripts. The set is closed; adding a kind is an additive change.
type ErrorKind int

const (
	// KindCapabilityDenied: the script lacks the required capability string.
	KindCapabilityDenied ErrorKind = iota
	// KindRateLimited: a token bucket was empty.
	KindRateLimited
	// KindInvalidInput: a bounds violation (key too long, value too large,
	// scopes empty, path too long).
	KindInvalidInput
	// KindNotFound: KV row, channel or file absent.
	KindNotFound
	// KindBackend: the persistent store or an external API failed.
	KindBackend
	// KindCancelled: the hosting isolate was torn down mid-call.
	KindCancelled
	// KindTimedOut: the dispatcher deadline elapsed before the script returned.
	KindTimedOut
	// KindRuntimeBroken: the scripting runtime signalled an unrecoverable
	// state for the tenant.
	KindRuntimeBroken
	// KindScriptError: the user code raised an error.
	KindScriptError
)

func (k ErrorKind) String() string {
	switch k {
	case KindCapabilityDenied:
		return "capability_denied"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindBackend:
		return "backend"
	case KindCancelled:
		return "cancelled"
	case KindTimedOut:
		return "timed_out"
	case KindRuntimeBroken:
		return "runtime_broken"
	case KindScriptError:
		return "script_error"
	default:
		return "unknown"
	}
}

// Error is the typed error surfaced to callers and scripts. Scripts see
// the kind tag plus the human message; nothing from the host call chain
// is wrapped as an untyped string.
type Error struct {
	Kind    ErrorKind
	Cap     string // set for KindCapabilityDenied
	Bucket  string // set for KindRateLimited
	Field   string // set for KindInvalidInput
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.wrapped }

// KindOf extracts the ErrorKind from err, or KindBackend if err is not a
// classified *Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindBackend
}

func errCapabilityDenied(cap string) *Error {
	return &Error{Kind: KindCapabilityDenied, Cap: cap, Message: fmt.Sprintf("missing capability %q", cap)}
}

func errRateLimited(bucket string) *Error {
	return &Error{Kind: KindRateLimited, Bucket: bucket, Message: fmt.Sprintf("rate limit exceeded for bucket %q", bucket)}
}

func errInvalidInput(field, why string) *Error {
	return &Error{Kind: KindInvalidInput, Field: field, Message: field + ": " + why}
}

func errNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func errBackend(op string, err error) *Error {
	return &Error{Kind: KindBackend, Message: op + ": " + err.Error(), wrapped: err}
}

func errCancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "isolate torn down"}
}

func errTimedOut() *Error {
	return &Error{Kind: KindTimedOut, Message: "script did not return before the dispatch deadline"}
}

func errRuntimeBroken() *Error {
	return &Error{Kind: KindRuntimeBroken, Message: "scripting runtime is marked broken"}
}

func errScript(msg string) *Error {
	return &Error{Kind: KindScriptError, Message: msg}
}
