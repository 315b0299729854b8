package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// State names the engine's position in its lifecycle. FAILED is absorbing
// and reachable from every non-terminal state.
type State int

const (
	StateConnecting State = iota
	StateIdentifying
	StateAwaitingTimelineHistory
	StateStreaming
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdentifying:
		return "IDENTIFYING"
	case StateAwaitingTimelineHistory:
		return "AWAITING_TIMELINE_HISTORY"
	case StateStreaming:
		return "STREAMING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultFlushInterval  = 10 * time.Second
	DefaultStatusInterval = 10 * time.Second
)

// StreamOptions configures one streaming session.
type StreamOptions struct {
	Slot       string
	PluginArgs []string

	// StartLSN is where streaming begins; zero means the server's current
	// write position at identify time.
	StartLSN pglogrepl.LSN

	// EndLSN, when nonzero, is the position at or beyond which streaming
	// stops. A change frame starting exactly at EndLSN is still delivered
	// ("stop after this one"); a frame starting past it is not.
	EndLSN pglogrepl.LSN

	// FlushInterval paces the consumer's OnFlushDue callback and
	// StatusInterval the unconditional feedback frames. Both default to
	// ten seconds. They are soft deadlines: missing one by a socket-wait
	// iteration is not an error.
	FlushInterval  time.Duration
	StatusInterval time.Duration

	// History receives the timeline lineage when streaming starts on a
	// timeline later than the first. Leaving it nil discards the lineage,
	// which forfeits restart-position resolution across failovers.
	History HistorySink

	// Cancel requests a clean stop. Optional.
	Cancel *CancelToken
}

// An Engine runs one logical replication streaming session over a
// connection it exclusively owns. It is a single-threaded cooperative
// loop: the only blocking point is the socket-readiness wait, bounded by
// the smaller of the two pacing intervals so timer-driven work is never
// starved by an idle server.
type Engine struct {
	conn     walConn
	consumer StreamConsumer
	opts     StreamOptions
	log      *logrus.Entry

	state    State
	identity SystemIdentity
	marks    Watermarks
	lastSent Watermarks
	sentAny  bool
}

// NewEngine prepares a streaming session on an open replication-mode
// connection. The engine owns the connection from here on; it must not be
// used for anything else while the session lives.
func NewEngine(conn *pgconn.PgConn, consumer StreamConsumer, opts StreamOptions) *Engine {
	return newEngine(&pgWALConn{conn: conn}, consumer, opts)
}

func newEngine(conn walConn, consumer StreamConsumer, opts StreamOptions) *Engine {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.History == nil {
		opts.History = HistorySinkFunc(func(ctx context.Context, entry TimelineHistoryEntry) error {
			logrus.WithFields(logrus.Fields{"timeline": entry.Timeline, "begin": entry.BeginLSN, "end": entry.EndLSN}).Debug("discarding timeline history entry")
			return nil
		})
	}
	return &Engine{
		conn:     conn,
		consumer: consumer,
		opts:     opts,
		state:    StateConnecting,
		log:      logrus.WithField("slot", opts.Slot),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Identity returns the system identity fetched during startup. Valid once
// Run has moved past IDENTIFYING.
func (e *Engine) Identity() SystemIdentity { return e.identity }

// Watermarks returns the session's current positions.
func (e *Engine) Watermarks() Watermarks { return e.marks }

// Run executes the session to completion: identify, resolve timeline
// history if needed, stream until the end position or a cancellation, and
// perform the end-of-copy handshake. On a fatal error the returned
// StreamError carries the last watermarks and timeline, which are the
// first thing an operator needs to resume.
//
// Mid-stream failures are not resumed internally: picking a restart
// position requires knowing what the consumer durably holds, and only the
// caller knows that.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.run(ctx); err != nil {
		var failedIn = e.state
		e.state = StateFailed
		return &StreamError{State: failedIn, Timeline: e.identity.Timeline, Marks: e.marks, Err: err}
	}
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	e.state = StateIdentifying
	var ident, err = e.conn.IdentifySystem(ctx)
	if err != nil {
		return err
	}
	e.identity = ident

	if ident.Timeline > 1 {
		e.state = StateAwaitingTimelineHistory
		if err := e.conn.TimelineHistory(ctx, ident.Timeline, e.opts.History); err != nil {
			return err
		}
	}

	var start = e.opts.StartLSN
	if start == 0 {
		start = ident.XLogPos
	}
	e.marks = Watermarks{Written: start, Flushed: start, Applied: start}
	e.lastSent = Watermarks{}

	e.log.WithFields(logrus.Fields{
		"startLSN": start,
		"endLSN":   e.opts.EndLSN,
		"timeline": ident.Timeline,
	}).Info("starting replication")
	if err := e.conn.StartReplication(ctx, e.opts.Slot, start, e.opts.PluginArgs); err != nil {
		return fmt.Errorf("unable to start replication: %w", err)
	}

	e.state = StateStreaming
	if err := e.streamLoop(ctx); err != nil {
		return err
	}

	e.state = StateDraining
	if err := e.conn.EndCopy(ctx); err != nil {
		return err
	}

	e.state = StateClosed
	e.log.WithFields(logrus.Fields{
		"written": e.marks.Written,
		"flushed": e.marks.Flushed,
		"applied": e.marks.Applied,
	}).Info("replication stream closed")
	return e.consumer.OnClose(ctx, e.marks)
}

// streamLoop receives and dispatches frames until the end position is
// reached or a stop is requested. A nil return means the session should
// proceed to DRAINING.
func (e *Engine) streamLoop(ctx context.Context) error {
	var now = time.Now()
	var flushDeadline = now.Add(e.opts.FlushInterval)
	// Send one status update immediately on startup.
	var statusDeadline = now

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.opts.Cancel.Cancelled() {
			e.log.Info("stop requested, finishing stream")
			if err := e.flushNow(ctx); err != nil {
				return err
			}
			return e.sendStatus(ctx, true)
		}

		now = time.Now()
		if !now.Before(flushDeadline) {
			if err := e.flushNow(ctx); err != nil {
				return err
			}
			if err := e.sendStatus(ctx, false); err != nil {
				return err
			}
			flushDeadline = now.Add(e.opts.FlushInterval)
		}
		if !now.Before(statusDeadline) {
			if err := e.sendStatus(ctx, true); err != nil {
				return err
			}
			statusDeadline = now.Add(e.opts.StatusInterval)
		}

		var deadline = flushDeadline
		if statusDeadline.Before(deadline) {
			deadline = statusDeadline
		}
		var recvCtx, cancelRecv = context.WithDeadline(ctx, deadline)
		var msg, err = e.conn.ReceiveMessage(recvCtx)
		cancelRecv()
		// Expiry of the bounded wait is routine pacing, not a failure;
		// pgconn wraps it in its own timeout type, other connections may
		// surface the deadline error directly.
		if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("receive message: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			done, err := e.dispatch(ctx, msg.Data)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("server error during streaming: %s (SQLSTATE %s)", msg.Message, msg.Code)
		default:
			e.log.WithField("message", fmt.Sprintf("%T", msg)).Warn("unexpected message during streaming")
		}
	}
}

// dispatch handles exactly one copy-data frame by its leading tag byte.
// It returns done=true when the session should move to DRAINING.
func (e *Engine) dispatch(ctx context.Context, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, framingErrorf("zero-length copy-data frame")
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		var pkm, err = pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return false, framingErrorf("malformed keepalive: %v", err)
		}
		return e.handleKeepalive(ctx, pkm)
	case pglogrepl.XLogDataByteID:
		var xld, err = pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return false, framingErrorf("malformed xlog data: %v", err)
		}
		return e.handleXLogData(ctx, xld)
	default:
		return false, framingErrorf("unrecognized replication frame tag %q", data[0])
	}
}

func (e *Engine) handleKeepalive(ctx context.Context, pkm pglogrepl.PrimaryKeepaliveMessage) (bool, error) {
	e.marks.AdvanceWritten(pkm.ServerWALEnd)
	if err := e.consumer.OnKeepalive(ctx, pkm.ServerWALEnd, pkm.ServerTime); err != nil {
		return false, fmt.Errorf("keepalive callback: %w", err)
	}
	// A keepalive at or past the end position carries no data of its own;
	// it only tells us nothing more is coming that we want.
	var pastEnd = e.opts.EndLSN > 0 && pkm.ServerWALEnd >= e.opts.EndLSN
	if pastEnd {
		e.log.WithFields(logrus.Fields{"serverWALEnd": pkm.ServerWALEnd, "endLSN": e.opts.EndLSN}).Info("end position reached by keepalive")
		if err := e.flushNow(ctx); err != nil {
			return false, err
		}
	}
	if pkm.ReplyRequested || pastEnd {
		if err := e.sendStatus(ctx, true); err != nil {
			return false, err
		}
	}
	return pastEnd, nil
}

func (e *Engine) handleXLogData(ctx context.Context, xld pglogrepl.XLogData) (bool, error) {
	if e.opts.EndLSN > 0 && xld.WALStart > e.opts.EndLSN {
		// Past the end position: this frame is not delivered. Flush what
		// the consumer already has and report it before draining.
		e.log.WithFields(logrus.Fields{"walStart": xld.WALStart, "endLSN": e.opts.EndLSN}).Info("end position passed, dropping frame")
		if err := e.flushNow(ctx); err != nil {
			return false, err
		}
		if err := e.sendStatus(ctx, true); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := e.consumer.OnData(ctx, xld.WALStart, xld.ServerTime, xld.WALData); err != nil {
		return false, fmt.Errorf("change callback: %w", err)
	}
	e.marks.AdvanceWritten(xld.WALStart + pglogrepl.LSN(len(xld.WALData)))

	// The boundary is inclusive: a frame starting exactly at the end
	// position is the last one delivered.
	if e.opts.EndLSN > 0 && xld.WALStart >= e.opts.EndLSN {
		e.log.WithFields(logrus.Fields{"walStart": xld.WALStart, "endLSN": e.opts.EndLSN}).Info("end position reached")
		if err := e.flushNow(ctx); err != nil {
			return false, err
		}
		if err := e.sendStatus(ctx, true); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// flushNow invokes the consumer's flush hook and folds the reported
// positions into the watermarks, clamped so the ordering invariant holds
// regardless of what the consumer claims.
func (e *Engine) flushNow(ctx context.Context) error {
	var flushed, applied, err = e.consumer.OnFlushDue(ctx)
	if err != nil {
		return fmt.Errorf("flush callback: %w", err)
	}
	e.marks.AdvanceFlushed(flushed)
	e.marks.AdvanceApplied(applied)
	return nil
}

// sendStatus reports the watermarks to the server. An unforced send is
// skipped when neither written nor flushed has advanced since the last
// one; that is a no-op, not an error.
func (e *Engine) sendStatus(ctx context.Context, force bool) error {
	if !force && e.sentAny && e.marks.Written == e.lastSent.Written && e.marks.Flushed == e.lastSent.Flushed {
		return nil
	}
	var status = StandbyStatus{
		Written:    e.marks.Written,
		Flushed:    e.marks.Flushed,
		Applied:    e.marks.Applied,
		ClientTime: time.Now(),
	}
	if err := e.conn.SendStandbyStatus(ctx, status); err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	e.lastSent = e.marks
	e.sentAny = true
	return e.consumer.OnFeedbackSent(ctx, e.marks)
}

// Close releases the engine's connection.
func (e *Engine) Close(ctx context.Context) error {
	return e.conn.Close(ctx)
}
