package replication

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

func TestWatermarksNeverMoveBackward(t *testing.T) {
	var w Watermarks
	w.AdvanceWritten(100)
	w.AdvanceWritten(50)
	require.Equal(t, pglogrepl.LSN(100), w.Written)

	w.AdvanceFlushed(80)
	w.AdvanceFlushed(10)
	require.Equal(t, pglogrepl.LSN(80), w.Flushed)

	w.AdvanceApplied(60)
	w.AdvanceApplied(5)
	require.Equal(t, pglogrepl.LSN(60), w.Applied)
}

func TestWatermarksClampToOrdering(t *testing.T) {
	var w Watermarks
	w.AdvanceWritten(100)
	w.AdvanceFlushed(500)
	require.Equal(t, pglogrepl.LSN(100), w.Flushed, "flushed cannot pass written")
	w.AdvanceApplied(500)
	require.Equal(t, pglogrepl.LSN(100), w.Applied, "applied cannot pass flushed")

	w.AdvanceWritten(200)
	w.AdvanceApplied(150)
	require.Equal(t, pglogrepl.LSN(100), w.Applied, "applied still bounded by flushed")
	w.AdvanceFlushed(150)
	w.AdvanceApplied(150)
	require.Equal(t, pglogrepl.LSN(150), w.Applied)
}
