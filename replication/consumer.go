package replication

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
)

// A StreamConsumer receives the output of a streaming session. All
// methods are called synchronously from the engine's single loop, so
// implementations need no locking of their own; a change frame is always
// delivered before the next frame is read.
//
// The payload handed to OnData is the raw output-plugin message. Decoding
// it is the consumer's business.
type StreamConsumer interface {
	// OnData delivers one change frame. walStart is the frame's starting
	// position in the server's log.
	OnData(ctx context.Context, walStart pglogrepl.LSN, serverTime time.Time, data []byte) error

	// OnFlushDue asks the consumer to durably persist whatever it has
	// buffered and report the positions it can vouch for. The engine
	// clamps both values against the written watermark.
	OnFlushDue(ctx context.Context) (flushed, applied pglogrepl.LSN, err error)

	// OnKeepalive observes a server keepalive. Informational only.
	OnKeepalive(ctx context.Context, serverWALEnd pglogrepl.LSN, serverTime time.Time) error

	// OnFeedbackSent observes the watermarks just reported to the server,
	// typically to persist them as resume positions.
	OnFeedbackSent(ctx context.Context, marks Watermarks) error

	// OnClose is called once after the end-of-copy handshake completes.
	OnClose(ctx context.Context, marks Watermarks) error
}

// A CancelToken requests a clean stop of the streaming loop. It is set by
// a signal-handling layer outside the core and only ever read by the
// engine, once per loop iteration and before each blocking wait. On
// observing it the engine flushes, sends final feedback, and runs the
// normal end-of-copy handshake rather than abandoning the socket, so the
// server learns the final confirmed position and can trim its log.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel requests a stop. Safe to call from any goroutine, repeatedly.
func (t *CancelToken) Cancel() { t.flag.Store(true) }

// Cancelled reports whether a stop has been requested. A nil token never
// cancels.
func (t *CancelToken) Cancelled() bool { return t != nil && t.flag.Load() }
