package replication

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// A TimelineHistoryEntry describes the span of log positions one timeline
// of a lineage covers. Both bounds are exclusive; a zero BeginLSN means
// the beginning of time and a zero EndLSN means open-ended, which is
// always the case for the lineage's current timeline.
type TimelineHistoryEntry struct {
	Timeline int32
	BeginLSN pglogrepl.LSN
	EndLSN   pglogrepl.LSN
}

// A HistorySink receives timeline history entries one at a time, in
// lineage order, as they are parsed. Entries are append-only: once
// emitted they are never revised.
type HistorySink interface {
	AppendTimelineEntry(ctx context.Context, entry TimelineHistoryEntry) error
}

// HistorySinkFunc adapts a function to the HistorySink interface.
type HistorySinkFunc func(ctx context.Context, entry TimelineHistoryEntry) error

func (f HistorySinkFunc) AppendTimelineEntry(ctx context.Context, entry TimelineHistoryEntry) error {
	return f(ctx, entry)
}

// FetchTimelineHistory issues TIMELINE_HISTORY for the given timeline and
// streams the parsed lineage into the sink, appending the synthetic
// open-ended entry for the timeline itself last. Timeline 1 has no
// predecessor history, so asking for it is a no-op. Returns the
// server-reported history file name.
func FetchTimelineHistory(ctx context.Context, conn *pgconn.PgConn, timeline int32, sink HistorySink) (string, error) {
	if timeline <= 1 {
		return "", nil
	}
	var res, err = pglogrepl.TimelineHistory(ctx, conn, timeline)
	if err != nil {
		return "", fmt.Errorf("timeline history for %d: %w", timeline, err)
	}
	logrus.WithFields(logrus.Fields{"timeline": timeline, "file": res.FileName, "bytes": len(res.Content)}).Debug("fetched timeline history")
	return res.FileName, parseTimelineHistory(ctx, res.Content, timeline, sink)
}

// parseTimelineHistory walks a timeline history file line by line. Each
// data line reads `<timelineId><tab><switch LSN>` and closes the range of
// that timeline; the next entry opens where the previous one ended.
// Nothing is buffered: each completed entry goes straight to the sink.
//
// Malformed lines are fatal. A partially understood lineage would
// silently mis-resolve restart positions later, which is far worse than
// failing here.
func parseTimelineHistory(ctx context.Context, content []byte, current int32, sink HistorySink) error {
	var prevEnd pglogrepl.LSN // zero = beginning of time
	var lineNo int
	var scanner = bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		lineNo++
		var line = strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var fields = strings.Split(line, "\t")
		if len(fields) < 2 {
			return fmt.Errorf("timeline history line %d: missing tab separator: %w", lineNo, ErrProtocolViolation)
		}
		timeline, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return fmt.Errorf("timeline history line %d: timeline %q is not numeric: %w", lineNo, fields[0], ErrProtocolViolation)
		}
		switchPoint, err := pglogrepl.ParseLSN(strings.TrimSpace(fields[1]))
		if err != nil {
			return fmt.Errorf("timeline history line %d: bad LSN %q: %w", lineNo, fields[1], ErrProtocolViolation)
		}
		var entry = TimelineHistoryEntry{Timeline: int32(timeline), BeginLSN: prevEnd, EndLSN: switchPoint}
		if err := sink.AppendTimelineEntry(ctx, entry); err != nil {
			return fmt.Errorf("persist timeline entry %d: %w", entry.Timeline, err)
		}
		prevEnd = switchPoint
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read timeline history: %w", err)
	}

	// The requested timeline is the lineage's current one and is still
	// being written, so its range stays open-ended.
	var entry = TimelineHistoryEntry{Timeline: current, BeginLSN: prevEnd, EndLSN: 0}
	if err := sink.AppendTimelineEntry(ctx, entry); err != nil {
		return fmt.Errorf("persist timeline entry %d: %w", entry.Timeline, err)
	}
	return nil
}
