package errors

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindInput      Kind = "input"
	KindResource   Kind = "resource"
	KindGeneration Kind = "generation"
	KindVocoding   Kind = "vocoding"
	KindCancelled  Kind = "cancelled"
	KindConfig     Kind = "config"
	KindInternal   Kind = "internal"
)

// Error is the common envelope for failures that cross package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap attaches kind and op to err. An err that already carries a kind is
// returned unchanged.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}

	if KindOf(err) != "" {
		return err
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

type kinded interface {
	ErrorKind() Kind
}

// KindOf returns the kind of the first classified error in the chain, or ""
// when nothing in the chain is classified.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		if k, ok := err.(kinded); ok {
			return k.ErrorKind()
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// IsKind checks whether the chain is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UnsupportedCharacterError is returned by the text tokenizer under the reject
// policy.
type UnsupportedCharacterError struct {
	Char   rune
	Offset int
}

func (e *UnsupportedCharacterError) Error() string {
	return fmt.Sprintf("unsupported character %q at offset %d", e.Char, e.Offset)
}

func (e *UnsupportedCharacterError) ErrorKind() Kind { return KindInput }

// InvalidControlParameterError reports a generation control outside its
// configured range.
type InvalidControlParameterError struct {
	Name  string
	Value float64
	Min   float64
	Max   float64
}

func (e *InvalidControlParameterError) Error() string {
	return fmt.Sprintf("control %s=%g outside [%g, %g]", e.Name, e.Value, e.Min, e.Max)
}

func (e *InvalidControlParameterError) ErrorKind() Kind { return KindInput }

// ModelNotFoundError means the checkpoint bundle is absent and could not be
// fetched.
type ModelNotFoundError struct {
	Path   string
	Reason string
}

func (e *ModelNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("model bundle not found at %s", e.Path)
	}
	return fmt.Sprintf("model bundle not found at %s: %s", e.Path, e.Reason)
}

func (e *ModelNotFoundError) ErrorKind() Kind { return KindResource }

// DeviceUnavailableError is returned when a bundle is requested for a device
// this build cannot drive.
type DeviceUnavailableError struct {
	Device    string
	Supported []string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device %q unavailable (supported: %v)", e.Device, e.Supported)
}

func (e *DeviceUnavailableError) ErrorKind() Kind { return KindResource }

// GenerationDivergedError is a numeric failure inside the token loop. Partial
// holds the tokens sampled before the failing step.
type GenerationDivergedError struct {
	Step    int
	Partial []int64
	Cause   error
}

func (e *GenerationDivergedError) Error() string {
	return fmt.Sprintf("generation diverged at step %d (%d tokens so far): %v", e.Step, len(e.Partial), e.Cause)
}

func (e *GenerationDivergedError) Unwrap() error { return e.Cause }

func (e *GenerationDivergedError) ErrorKind() Kind { return KindGeneration }

// VocodingError is a failure turning acoustic tokens into samples.
type VocodingError struct {
	Reason string
	Cause  error
}

func (e *VocodingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vocoding failed: %s: %v", e.Reason, e.Cause)
	}
	return "vocoding failed: " + e.Reason
}

func (e *VocodingError) Unwrap() error { return e.Cause }

func (e *VocodingError) ErrorKind() Kind { return KindVocoding }

// ErrCancelled marks a request abandoned between generation steps.
var ErrCancelled = New(KindCancelled, "generate", "request cancelled")

// Cancelled wraps a context error so that both errors.Is(err, ErrCancelled)
// and errors.Is(err, context.Canceled) hold.
func Cancelled(op string, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return &cancelledError{op: op, cause: cause}
}

type cancelledError struct {
	op    string
	cause error
}

func (e *cancelledError) Error() string {
	return fmt.Sprintf("[%s:%s] request cancelled: %v", KindCancelled, e.op, e.cause)
}

func (e *cancelledError) Unwrap() []error { return []error{ErrCancelled, e.cause} }

func (e *cancelledError) ErrorKind() Kind { return KindCancelled }
