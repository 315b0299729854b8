package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// A Slot records the server's answer to slot creation: the consistent
// point from which every later change is captured, and the exported
// snapshot that lets an initial copy observe exactly the state at that
// point. The server owns the slot's lifecycle from here on; this system
// only creates and drops it.
type Slot struct {
	Name            string
	Plugin          string
	ConsistentPoint pglogrepl.LSN
	SnapshotName    string
}

// CreateSlotAndSnapshot creates a logical replication slot with an
// exported snapshot, over the same replication connection that will later
// stream from it (the snapshot stays valid only while this connection's
// transaction holds it open).
//
// A slot-already-exists failure (SQLSTATE 42710) is surfaced verbatim,
// detectable via IsSlotExists; whether to drop and recreate is the
// caller's decision, since the existing slot may hold a position another
// consumer still needs. Creation is not retried here: the command is not
// idempotent, and a lost connection leaves the caller to restart the
// whole setup sequence.
func CreateSlotAndSnapshot(ctx context.Context, conn *pgconn.PgConn, name, plugin string) (Slot, error) {
	var res, err = pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin, pglogrepl.CreateReplicationSlotOptions{
		SnapshotAction: "EXPORT_SNAPSHOT",
	})
	if err != nil {
		return Slot{}, fmt.Errorf("create replication slot %q: %w", name, err)
	}
	return slotFromResult(name, plugin, res)
}

// slotFromResult validates the command response. The server echoes back
// the slot name and plugin it actually used; a mismatch means the
// connection is not talking to what we think it is, which is a contract
// violation rather than a recoverable condition.
func slotFromResult(name, plugin string, res pglogrepl.CreateReplicationSlotResult) (Slot, error) {
	if res.SlotName != name || res.OutputPlugin != plugin {
		logrus.WithFields(logrus.Fields{
			"slotName":        res.SlotName,
			"consistentPoint": res.ConsistentPoint,
			"snapshotName":    res.SnapshotName,
			"outputPlugin":    res.OutputPlugin,
		}).Error("slot creation response does not echo the request")
		return Slot{}, fmt.Errorf("requested slot %q plugin %q but server created %q with %q: %w",
			name, plugin, res.SlotName, res.OutputPlugin, ErrProtocolViolation)
	}
	consistentPoint, err := pglogrepl.ParseLSN(res.ConsistentPoint)
	if err != nil {
		return Slot{}, fmt.Errorf("consistent point %q is not an LSN: %w", res.ConsistentPoint, ErrProtocolViolation)
	}
	var slot = Slot{
		Name:            name,
		Plugin:          plugin,
		ConsistentPoint: consistentPoint,
		SnapshotName:    res.SnapshotName,
	}
	logrus.WithFields(logrus.Fields{
		"slot":            slot.Name,
		"plugin":          slot.Plugin,
		"consistentPoint": slot.ConsistentPoint,
		"snapshot":        slot.SnapshotName,
	}).Info("created replication slot")
	return slot, nil
}

// DropSlot removes a replication slot over a replication-mode connection.
func DropSlot(ctx context.Context, conn *pgconn.PgConn, name string) error {
	if err := pglogrepl.DropReplicationSlot(ctx, conn, name, pglogrepl.DropReplicationSlotOptions{}); err != nil {
		return fmt.Errorf("drop replication slot %q: %w", name, err)
	}
	return nil
}

// IsSlotExists reports whether an error is the server telling us the slot
// name is already taken.
func IsSlotExists(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

// SlotInfo mirrors one row of pg_replication_slots.
type SlotInfo struct {
	SlotName          string
	Database          string
	Plugin            string
	SlotType          string
	Active            bool
	RestartLSN        pglogrepl.LSN
	ConfirmedFlushLSN pglogrepl.LSN
}

// QuerySlotInfo returns information about the named replication slot over
// a regular SQL connection, or nil without error if the slot does not
// exist.
func QuerySlotInfo(ctx context.Context, conn *pgx.Conn, slotName string) (*SlotInfo, error) {
	var info SlotInfo
	var query = `SELECT slot_name, coalesce(database, ''), plugin, slot_type, active,
			coalesce(restart_lsn, '0/0'), coalesce(confirmed_flush_lsn, '0/0')
		FROM pg_catalog.pg_replication_slots WHERE slot_name = $1`
	var err = conn.QueryRow(ctx, query, slotName).Scan(
		&info.SlotName, &info.Database, &info.Plugin, &info.SlotType, &info.Active,
		&info.RestartLSN, &info.ConfirmedFlushLSN)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying replication slots: %w", err)
	}
	return &info, nil
}
