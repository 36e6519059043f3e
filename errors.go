package lspbridge

import (
	"fmt"

	"github.com/pkg/errors"
)

// Framing errors.
var (
	// ErrMalformedHeader is returned when a header section has no usable
	// Content-Length field.
	ErrMalformedHeader = errors.New("malformed frame header")
	// ErrMalformedBody is reported when a frame body is not UTF-8 encoded JSON.
	ErrMalformedBody = errors.New("malformed frame body")
	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Bridge errors.
var (
	// ErrBridgeClosed is returned when sending on a closed bridge.
	ErrBridgeClosed = errors.New("bridge closed")
	// ErrInvalidEngineFactory is returned when no engine factory is provided.
	ErrInvalidEngineFactory = errors.New("invalid engine factory")
	// ErrInvalidSink is returned when no host sink is provided.
	ErrInvalidSink = errors.New("invalid sink")
	// ErrEngineStopped halts a bridge whose engine stopped on its own.
	ErrEngineStopped = errors.New("engine stopped")
)

// FrameError describes a single frame that was dropped.
type FrameError struct {
	// Offset is the number of stream bytes consumed before the frame started.
	Offset int64
	// Body is a copy of the offending frame body.
	Body []byte
	Err  error
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("frame at offset %d (%d bytes): %v", e.Offset, len(e.Body), e.Err)
}

// Unwrap returns the underlying error.
func (e *FrameError) Unwrap() error {
	return e.Err
}
