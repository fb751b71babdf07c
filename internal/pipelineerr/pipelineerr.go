// Package pipelineerr defines the closed error taxonomy shared by every
// encode-pipeline component. Every error that can cross a component boundary
// is a *Error carrying one of the ErrorKinds below, so the transport layer
// never has to guess how to classify a failure for the host.
package pipelineerr

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind is the closed set of error categories the host protocol recognizes.
type Kind string

const (
	NotSupported         Kind = "not-supported"
	InitializationFailed Kind = "initialization-failed"
	ConfigurationError   Kind = "configuration-error"
	VideoEncodingError   Kind = "video-encoding-error"
	AudioEncodingError   Kind = "audio-encoding-error"
	MuxingFailed         Kind = "muxing-failed"
	Cancelled            Kind = "cancelled"
	WorkerError          Kind = "worker-error"
	InternalError        Kind = "internal-error"
	Unknown              Kind = "unknown"
)

// Error is the concrete error type carried across Driver -> Orchestrator ->
// Transport boundaries. Stack is populated only for InternalError/Unknown,
// captured by their constructors (among them the dispatcher's catch-all
// recover).
type Error struct {
	Kind    Kind
	Message string
	Stack   []byte
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotSupportedf(err error, format string, args ...any) *Error {
	return newf(NotSupported, err, format, args...)
}

func InitializationFailedf(err error, format string, args ...any) *Error {
	return newf(InitializationFailed, err, format, args...)
}

func ConfigurationErrorf(err error, format string, args ...any) *Error {
	return newf(ConfigurationError, err, format, args...)
}

func VideoEncodingErrorf(err error, format string, args ...any) *Error {
	return newf(VideoEncodingError, err, format, args...)
}

func AudioEncodingErrorf(err error, format string, args ...any) *Error {
	return newf(AudioEncodingError, err, format, args...)
}

func MuxingFailedf(err error, format string, args ...any) *Error {
	return newf(MuxingFailed, err, format, args...)
}

func Cancelledf(format string, args ...any) *Error {
	return newf(Cancelled, nil, format, args...)
}

func WorkerErrorf(err error, format string, args ...any) *Error {
	return newf(WorkerError, err, format, args...)
}

// InternalErrorf additionally captures the calling goroutine's stack, via
// WithStack below; called from the dispatcher's deferred recover, that stack
// includes the panicking frames.
func InternalErrorf(err error, format string, args ...any) *Error {
	return newf(InternalError, err, format, args...).WithStack(debug.Stack())
}

// Unknownf captures the calling goroutine's stack, like InternalErrorf.
func Unknownf(err error, format string, args ...any) *Error {
	return newf(Unknown, err, format, args...).WithStack(debug.Stack())
}

// WithStack attaches a captured stack trace to e and returns e, for the
// internal-error/unknown catch-all paths which must surface one.
func (e *Error) WithStack(stack []byte) *Error {
	e.Stack = stack
	return e
}

// As reports whether err (or anything it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf classifies err for callers that only need the Kind, defaulting to
// Unknown for errors that never passed through one of the constructors above.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return Unknown
}
