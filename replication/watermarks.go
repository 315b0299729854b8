package replication

import "github.com/jackc/pglogrepl"

// Watermarks are the three acknowledgement positions of one streaming
// session: written (received and handed to the consumer), flushed
// (durably persisted by the consumer), and applied (fully processed
// downstream). The ordering applied <= flushed <= written holds at all
// times, and every position is monotone non-decreasing for the life of
// the session.
type Watermarks struct {
	Written pglogrepl.LSN
	Flushed pglogrepl.LSN
	Applied pglogrepl.LSN
}

// AdvanceWritten moves the written position forward. Older positions are
// ignored rather than rejected, since keepalives can lag behind data
// frames already accounted for.
func (w *Watermarks) AdvanceWritten(lsn pglogrepl.LSN) {
	if lsn > w.Written {
		w.Written = lsn
	}
}

// AdvanceFlushed moves the flushed position forward, clamped to written
// so a consumer reporting ahead of what it was given cannot break the
// ordering invariant.
func (w *Watermarks) AdvanceFlushed(lsn pglogrepl.LSN) {
	if lsn > w.Written {
		lsn = w.Written
	}
	if lsn > w.Flushed {
		w.Flushed = lsn
	}
}

// AdvanceApplied moves the applied position forward, clamped to flushed.
func (w *Watermarks) AdvanceApplied(lsn pglogrepl.LSN) {
	if lsn > w.Flushed {
		lsn = w.Flushed
	}
	if lsn > w.Applied {
		w.Applied = lsn
	}
}
