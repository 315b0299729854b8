package replication

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation marks errors where the replication wire contract
// itself was broken: unrecognized frame tags, malformed timeline history,
// or command responses whose shape or echo fields do not match the
// request. These are never retried, since repeating the exchange would
// repeat the same decode failure.
var ErrProtocolViolation = errors.New("replication protocol violation")

// A FramingError reports a frame that could not be decoded: an
// unrecognized leading tag byte, a truncated buffer, or a read past the
// end of one. It is a protocol violation and therefore fatal.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string { return "framing error: " + e.Msg }

func (e *FramingError) Is(target error) bool { return target == ErrProtocolViolation }

func framingErrorf(format string, args ...interface{}) error {
	return &FramingError{Msg: fmt.Sprintf(format, args...)}
}

// A StreamError wraps a fatal streaming failure with the position context
// an operator needs to resume: the state the engine failed in, the current
// timeline, and the last known watermarks.
type StreamError struct {
	State    State
	Timeline int32
	Marks    Watermarks
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("replication stream failed in state %s on timeline %d (written=%s, flushed=%s, applied=%s): %v",
		e.State, e.Timeline, e.Marks.Written, e.Marks.Flushed, e.Marks.Applied, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
