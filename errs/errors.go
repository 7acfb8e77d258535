// Package errs defines the error taxonomy shared by the diagnosis pipeline.
// Callers branch on the Kind of an error instead of matching message text.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindResourceMissing: a packaged model or label artifact is not at its
	// expected path. Fatal to a load attempt.
	KindResourceMissing
	// KindModelUnavailable: the model failed to load and no safe fallback
	// exists. Sticky until an explicit reload.
	KindModelUnavailable
	// KindImageNotFound: the image path does not resolve to a readable file.
	KindImageNotFound
	// KindDecodeError: the image bytes could not be decoded.
	KindDecodeError
	// KindShapeMismatch: tensor shape violates the model's declared input
	// shape. A contract bug, never coerced.
	KindShapeMismatch
	// KindInferenceFailure: the forward pass itself failed.
	KindInferenceFailure
	// KindStoreWriteFailure: persisting a result failed; the computed
	// diagnosis is still returned to the caller.
	KindStoreWriteFailure
)

func (k Kind) String() string {
	switch k {
	case KindResourceMissing:
		return "resource_missing"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindImageNotFound:
		return "image_not_found"
	case KindDecodeError:
		return "decode_error"
	case KindShapeMismatch:
		return "shape_mismatch"
	case KindInferenceFailure:
		return "inference_failure"
	case KindStoreWriteFailure:
		return "store_write_failure"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside a human-readable message so the
// presentation layer can decide whether to retry, show a generic message,
// or prompt for a model re-download.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
