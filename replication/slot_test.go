package replication

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// Pins the drop command against the driver's signature, which takes an
// options struct alongside the slot name.
var _ func(context.Context, *pgconn.PgConn, string, pglogrepl.DropReplicationSlotOptions) error = pglogrepl.DropReplicationSlot

func TestSlotFromResult(t *testing.T) {
	var slot, err = slotFromResult("mirror_slot", "test_decoding", pglogrepl.CreateReplicationSlotResult{
		SlotName:        "mirror_slot",
		ConsistentPoint: "16/B374D848",
		SnapshotName:    "00000003-0000001B-1",
		OutputPlugin:    "test_decoding",
	})
	require.NoError(t, err)
	require.Equal(t, "mirror_slot", slot.Name)
	require.Equal(t, "test_decoding", slot.Plugin)
	require.Equal(t, pglogrepl.LSN(0x16B374D848), slot.ConsistentPoint)
	require.Equal(t, "00000003-0000001B-1", slot.SnapshotName)
}

func TestSlotFromResultNameMismatch(t *testing.T) {
	var _, err = slotFromResult("mirror_slot", "test_decoding", pglogrepl.CreateReplicationSlotResult{
		SlotName:        "other_slot",
		ConsistentPoint: "0/1",
		SnapshotName:    "snap",
		OutputPlugin:    "test_decoding",
	})
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSlotFromResultPluginMismatch(t *testing.T) {
	var _, err = slotFromResult("mirror_slot", "test_decoding", pglogrepl.CreateReplicationSlotResult{
		SlotName:        "mirror_slot",
		ConsistentPoint: "0/1",
		SnapshotName:    "snap",
		OutputPlugin:    "pgoutput",
	})
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSlotFromResultBadConsistentPoint(t *testing.T) {
	var _, err = slotFromResult("mirror_slot", "test_decoding", pglogrepl.CreateReplicationSlotResult{
		SlotName:        "mirror_slot",
		ConsistentPoint: "garbage",
		SnapshotName:    "snap",
		OutputPlugin:    "test_decoding",
	})
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestIsSlotExists(t *testing.T) {
	require.True(t, IsSlotExists(&pgconn.PgError{Code: "42710", Message: `replication slot "x" already exists`}))
	require.True(t, IsSlotExists(fmt.Errorf("create slot: %w", &pgconn.PgError{Code: "42710"})))
	require.False(t, IsSlotExists(&pgconn.PgError{Code: "55006"}))
	require.False(t, IsSlotExists(fmt.Errorf("plain error")))
}
