package replication

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	entries []TimelineHistoryEntry
	failAt  int // fail on the Nth append when > 0
}

func (s *collectingSink) AppendTimelineEntry(ctx context.Context, entry TimelineHistoryEntry) error {
	if s.failAt > 0 && len(s.entries)+1 == s.failAt {
		return fmt.Errorf("sink full")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestParseTimelineHistoryLineage(t *testing.T) {
	var content = strings.Join([]string{
		"# comment line",
		"",
		"1\t0/9A000028\tno recovery target specified",
		"2\t1/5000000\tafter crash of primary",
		"   ",
		"3\t1/A000000\tplanned switchover",
	}, "\n")
	var sink = &collectingSink{}

	require.NoError(t, parseTimelineHistory(context.Background(), []byte(content), 4, sink))

	// N data lines produce N+1 entries: the lineage plus the open-ended
	// entry for the current timeline.
	require.Len(t, sink.entries, 4)
	require.Equal(t, pglogrepl.LSN(0), sink.entries[0].BeginLSN, "first entry begins at the beginning of time")
	require.Equal(t, pglogrepl.LSN(0), sink.entries[3].EndLSN, "current timeline stays open-ended")
	require.Equal(t, int32(4), sink.entries[3].Timeline)
	for i := 0; i < len(sink.entries)-1; i++ {
		require.Equal(t, sink.entries[i].EndLSN, sink.entries[i+1].BeginLSN, "entry %d and %d are not contiguous", i, i+1)
	}
	require.Equal(t, pglogrepl.LSN(0x9A000028), sink.entries[0].EndLSN)
	require.Equal(t, pglogrepl.LSN(0x100000000+0x5000000), sink.entries[1].EndLSN)
}

func TestParseTimelineHistoryEmptyFile(t *testing.T) {
	// A history file with no data lines still yields the synthetic entry
	// for the current timeline, covering everything.
	var sink = &collectingSink{}
	require.NoError(t, parseTimelineHistory(context.Background(), []byte("# nothing here\n"), 2, sink))
	require.Equal(t, []TimelineHistoryEntry{{Timeline: 2, BeginLSN: 0, EndLSN: 0}}, sink.entries)
}

func TestParseTimelineHistoryMalformedTimeline(t *testing.T) {
	var sink = &collectingSink{}
	var err = parseTimelineHistory(context.Background(), []byte("abc\t0/0\n"), 2, sink)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Empty(t, sink.entries, "no entries may be persisted from a broken lineage")
}

func TestParseTimelineHistoryMissingTab(t *testing.T) {
	var sink = &collectingSink{}
	var err = parseTimelineHistory(context.Background(), []byte("1 0/9A000028 reason\n"), 2, sink)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Empty(t, sink.entries)
}

func TestParseTimelineHistoryBadLSN(t *testing.T) {
	var sink = &collectingSink{}
	var err = parseTimelineHistory(context.Background(), []byte("1\tnot-an-lsn\tx\n"), 2, sink)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Empty(t, sink.entries)
}

func TestParseTimelineHistorySinkErrorPropagates(t *testing.T) {
	var sink = &collectingSink{failAt: 2}
	var err = parseTimelineHistory(context.Background(), []byte("1\t0/1000\tx\n2\t0/2000\ty\n"), 3, sink)
	require.Error(t, err)
	require.Len(t, sink.entries, 1, "entries stream out one at a time")
}

func TestFetchTimelineHistoryFirstTimelineIsNoop(t *testing.T) {
	var sink = &collectingSink{}
	filename, err := FetchTimelineHistory(context.Background(), nil, 1, sink)
	require.NoError(t, err)
	require.Empty(t, filename)
	require.Empty(t, sink.entries)
}
