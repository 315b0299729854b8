package catalog

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/pgmirror/pgmirror/replication"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestIdentityRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var cat = testCatalog(t)

	ident, err := cat.Identity(ctx)
	require.NoError(t, err)
	require.Nil(t, ident, "empty catalog has no identity")

	var want = replication.SystemIdentity{SystemID: 7235012936516389252, Timeline: 3, XLogPos: 0x16B374D848, Database: "src"}
	require.NoError(t, cat.RecordIdentity(ctx, want))

	ident, err = cat.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, want, *ident)
}

func TestSlotRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var cat = testCatalog(t)

	slot, err := cat.Slot(ctx, "mirror")
	require.NoError(t, err)
	require.Nil(t, slot)

	var want = replication.Slot{Name: "mirror", Plugin: "test_decoding", ConsistentPoint: 0x1A2B3C4D, SnapshotName: "00000003-0000001B-1"}
	require.NoError(t, cat.RecordSlot(ctx, want))

	slot, err = cat.Slot(ctx, "mirror")
	require.NoError(t, err)
	require.Equal(t, want, *slot)

	// Re-creating the slot replaces the row rather than erroring.
	want.SnapshotName = "00000003-0000001C-1"
	require.NoError(t, cat.RecordSlot(ctx, want))
	slot, err = cat.Slot(ctx, "mirror")
	require.NoError(t, err)
	require.Equal(t, want.SnapshotName, slot.SnapshotName)
}

func TestTimelineHistoryAppendOnly(t *testing.T) {
	var ctx = context.Background()
	var cat = testCatalog(t)

	var lineage = []replication.TimelineHistoryEntry{
		{Timeline: 1, BeginLSN: 0, EndLSN: 0x1000000},
		{Timeline: 2, BeginLSN: 0x1000000, EndLSN: 0x2000000},
		{Timeline: 3, BeginLSN: 0x2000000, EndLSN: 0},
	}
	for _, entry := range lineage {
		require.NoError(t, cat.AppendTimelineEntry(ctx, entry))
	}
	// A second fetch of the same lineage is a no-op.
	require.NoError(t, cat.AppendTimelineEntry(ctx, lineage[0]))

	got, err := cat.TimelineHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, lineage, got)
}

func TestSentinelWatermarksAreMonotone(t *testing.T) {
	var ctx = context.Background()
	var cat = testCatalog(t)

	require.NoError(t, cat.InitSentinel(ctx, 0x100, 0x9000))
	require.NoError(t, cat.UpdateWatermarks(ctx, replication.Watermarks{Written: 0x500, Flushed: 0x400, Applied: 0x300}))
	// A stale report must not move anything backward.
	require.NoError(t, cat.UpdateWatermarks(ctx, replication.Watermarks{Written: 0x200, Flushed: 0x200, Applied: 0x200}))

	sentinel, err := cat.Sentinel(ctx)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0x100), sentinel.StartPos)
	require.Equal(t, pglogrepl.LSN(0x9000), sentinel.EndPos)
	require.Equal(t, pglogrepl.LSN(0x500), sentinel.Write)
	require.Equal(t, pglogrepl.LSN(0x400), sentinel.Flush)
	require.Equal(t, pglogrepl.LSN(0x300), sentinel.Apply)
}

func TestCatalogServesAsHistorySink(t *testing.T) {
	var ctx = context.Background()
	var cat = testCatalog(t)
	var sink replication.HistorySink = cat
	require.NoError(t, sink.AppendTimelineEntry(ctx, replication.TimelineHistoryEntry{Timeline: 5, BeginLSN: 1, EndLSN: 0}))
	entries, err := cat.TimelineHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
