// Package catalog persists replication progress in an embedded SQLite
// database: the source's system identity, the replication slot, the
// timeline lineage, and a sentinel row holding the positions a resumed
// session (or the bulk-copy collaborator) starts from.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pgmirror/pgmirror/replication"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS system_identity (
	system_id   TEXT NOT NULL,
	timeline    INTEGER NOT NULL,
	xlog_pos    TEXT NOT NULL,
	database    TEXT NOT NULL DEFAULT '',
	fetched_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS replication_slot (
	slot_name        TEXT PRIMARY KEY,
	plugin           TEXT NOT NULL,
	consistent_point TEXT NOT NULL,
	snapshot_name    TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS timeline_history (
	timeline  INTEGER PRIMARY KEY,
	begin_lsn TEXT NOT NULL,
	end_lsn   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sentinel (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	start_pos TEXT NOT NULL DEFAULT '0/0',
	end_pos   TEXT NOT NULL DEFAULT '0/0',
	write_lsn TEXT NOT NULL DEFAULT '0/0',
	flush_lsn TEXT NOT NULL DEFAULT '0/0',
	apply_lsn TEXT NOT NULL DEFAULT '0/0'
);
INSERT OR IGNORE INTO sentinel (id) VALUES (1);
`

// A Catalog is safe for use by one process at a time; SQLite's own
// locking covers the rest.
type Catalog struct {
	db *sqlx.DB
}

// Open creates or opens a catalog at the given path. ":memory:" works for
// tests.
func Open(path string) (*Catalog, error) {
	var db, err = sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// RecordIdentity stores a snapshot of the source's identity.
func (c *Catalog) RecordIdentity(ctx context.Context, ident replication.SystemIdentity) error {
	var _, err = c.db.ExecContext(ctx,
		`INSERT INTO system_identity (system_id, timeline, xlog_pos, database, fetched_at) VALUES (?, ?, ?, ?, ?)`,
		fmt.Sprintf("%d", ident.SystemID), ident.Timeline, ident.XLogPos.String(), ident.Database, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record system identity: %w", err)
	}
	return nil
}

// Identity returns the most recently recorded system identity, or nil if
// none has been recorded yet.
func (c *Catalog) Identity(ctx context.Context) (*replication.SystemIdentity, error) {
	var row struct {
		SystemID string `db:"system_id"`
		Timeline int32  `db:"timeline"`
		XLogPos  string `db:"xlog_pos"`
		Database string `db:"database"`
	}
	var err = c.db.GetContext(ctx, &row,
		`SELECT system_id, timeline, xlog_pos, database FROM system_identity ORDER BY fetched_at DESC, rowid DESC LIMIT 1`)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query system identity: %w", err)
	}
	var ident replication.SystemIdentity
	if _, err := fmt.Sscanf(row.SystemID, "%d", &ident.SystemID); err != nil {
		return nil, fmt.Errorf("stored system id %q is not numeric: %w", row.SystemID, err)
	}
	ident.Timeline = row.Timeline
	ident.Database = row.Database
	if ident.XLogPos, err = pglogrepl.ParseLSN(row.XLogPos); err != nil {
		return nil, fmt.Errorf("stored xlog position %q: %w", row.XLogPos, err)
	}
	return &ident, nil
}

// RecordSlot stores the slot-creation result, including the exported
// snapshot name the bulk copy consumes.
func (c *Catalog) RecordSlot(ctx context.Context, slot replication.Slot) error {
	var _, err = c.db.ExecContext(ctx,
		`INSERT INTO replication_slot (slot_name, plugin, consistent_point, snapshot_name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (slot_name) DO UPDATE SET
			plugin = excluded.plugin,
			consistent_point = excluded.consistent_point,
			snapshot_name = excluded.snapshot_name,
			created_at = excluded.created_at`,
		slot.Name, slot.Plugin, slot.ConsistentPoint.String(), slot.SnapshotName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record replication slot %q: %w", slot.Name, err)
	}
	return nil
}

// Slot returns the recorded slot by name, or nil if absent.
func (c *Catalog) Slot(ctx context.Context, name string) (*replication.Slot, error) {
	var row struct {
		SlotName        string `db:"slot_name"`
		Plugin          string `db:"plugin"`
		ConsistentPoint string `db:"consistent_point"`
		SnapshotName    string `db:"snapshot_name"`
	}
	var err = c.db.GetContext(ctx, &row,
		`SELECT slot_name, plugin, consistent_point, snapshot_name FROM replication_slot WHERE slot_name = ?`, name)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query replication slot %q: %w", name, err)
	}
	var slot = replication.Slot{Name: row.SlotName, Plugin: row.Plugin, SnapshotName: row.SnapshotName}
	if slot.ConsistentPoint, err = pglogrepl.ParseLSN(row.ConsistentPoint); err != nil {
		return nil, fmt.Errorf("stored consistent point %q: %w", row.ConsistentPoint, err)
	}
	return &slot, nil
}

// AppendTimelineEntry persists one lineage entry as it is parsed. Rows
// are append-only; re-fetching the same lineage on a later run is a
// no-op rather than an error.
func (c *Catalog) AppendTimelineEntry(ctx context.Context, entry replication.TimelineHistoryEntry) error {
	var _, err = c.db.ExecContext(ctx,
		`INSERT INTO timeline_history (timeline, begin_lsn, end_lsn) VALUES (?, ?, ?)
		 ON CONFLICT (timeline) DO NOTHING`,
		entry.Timeline, entry.BeginLSN.String(), entry.EndLSN.String())
	if err != nil {
		return fmt.Errorf("append timeline %d: %w", entry.Timeline, err)
	}
	return nil
}

// TimelineHistory returns all recorded lineage entries in timeline order.
func (c *Catalog) TimelineHistory(ctx context.Context) ([]replication.TimelineHistoryEntry, error) {
	var rows []struct {
		Timeline int32  `db:"timeline"`
		BeginLSN string `db:"begin_lsn"`
		EndLSN   string `db:"end_lsn"`
	}
	if err := c.db.SelectContext(ctx, &rows,
		`SELECT timeline, begin_lsn, end_lsn FROM timeline_history ORDER BY timeline`); err != nil {
		return nil, fmt.Errorf("query timeline history: %w", err)
	}
	var entries = make([]replication.TimelineHistoryEntry, 0, len(rows))
	for _, row := range rows {
		var entry = replication.TimelineHistoryEntry{Timeline: row.Timeline}
		var err error
		if entry.BeginLSN, err = pglogrepl.ParseLSN(row.BeginLSN); err != nil {
			return nil, fmt.Errorf("stored begin LSN %q: %w", row.BeginLSN, err)
		}
		if entry.EndLSN, err = pglogrepl.ParseLSN(row.EndLSN); err != nil {
			return nil, fmt.Errorf("stored end LSN %q: %w", row.EndLSN, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sentinel is the progress hand-off row other processes read.
type Sentinel struct {
	StartPos pglogrepl.LSN
	EndPos   pglogrepl.LSN
	Write    pglogrepl.LSN
	Flush    pglogrepl.LSN
	Apply    pglogrepl.LSN
}

// InitSentinel records the session's configured start and end positions.
func (c *Catalog) InitSentinel(ctx context.Context, start, end pglogrepl.LSN) error {
	var _, err = c.db.ExecContext(ctx,
		`UPDATE sentinel SET start_pos = ?, end_pos = ? WHERE id = 1`, start.String(), end.String())
	if err != nil {
		return fmt.Errorf("initialize sentinel: %w", err)
	}
	return nil
}

// UpdateWatermarks folds newly reported watermarks into the sentinel.
// Positions only move forward; a stale update is ignored column by
// column.
func (c *Catalog) UpdateWatermarks(ctx context.Context, marks replication.Watermarks) error {
	var sentinel, err = c.Sentinel(ctx)
	if err != nil {
		return err
	}
	if marks.Written > sentinel.Write {
		sentinel.Write = marks.Written
	}
	if marks.Flushed > sentinel.Flush {
		sentinel.Flush = marks.Flushed
	}
	if marks.Applied > sentinel.Apply {
		sentinel.Apply = marks.Applied
	}
	_, err = c.db.ExecContext(ctx,
		`UPDATE sentinel SET write_lsn = ?, flush_lsn = ?, apply_lsn = ? WHERE id = 1`,
		sentinel.Write.String(), sentinel.Flush.String(), sentinel.Apply.String())
	if err != nil {
		return fmt.Errorf("update sentinel watermarks: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"write": sentinel.Write,
		"flush": sentinel.Flush,
		"apply": sentinel.Apply,
	}).Debug("sentinel watermarks updated")
	return nil
}

// Sentinel reads the current progress row.
func (c *Catalog) Sentinel(ctx context.Context) (Sentinel, error) {
	var row struct {
		StartPos string `db:"start_pos"`
		EndPos   string `db:"end_pos"`
		WriteLSN string `db:"write_lsn"`
		FlushLSN string `db:"flush_lsn"`
		ApplyLSN string `db:"apply_lsn"`
	}
	if err := c.db.GetContext(ctx, &row,
		`SELECT start_pos, end_pos, write_lsn, flush_lsn, apply_lsn FROM sentinel WHERE id = 1`); err != nil {
		return Sentinel{}, fmt.Errorf("query sentinel: %w", err)
	}
	var s Sentinel
	var err error
	for _, field := range []struct {
		dst *pglogrepl.LSN
		src string
	}{
		{&s.StartPos, row.StartPos},
		{&s.EndPos, row.EndPos},
		{&s.Write, row.WriteLSN},
		{&s.Flush, row.FlushLSN},
		{&s.Apply, row.ApplyLSN},
	} {
		if *field.dst, err = pglogrepl.ParseLSN(field.src); err != nil {
			return Sentinel{}, fmt.Errorf("stored sentinel LSN %q: %w", field.src, err)
		}
	}
	return s, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var _ replication.HistorySink = (*Catalog)(nil)
