package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// walConn is the slice of a replication-mode connection the engine
// drives. *pgconn.PgConn satisfies it through pgWALConn; tests substitute
// a scripted fake so the whole state machine runs without a server.
type walConn interface {
	IdentifySystem(ctx context.Context) (SystemIdentity, error)
	TimelineHistory(ctx context.Context, timeline int32, sink HistorySink) error
	StartReplication(ctx context.Context, slot string, startLSN pglogrepl.LSN, pluginArgs []string) error
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	SendStandbyStatus(ctx context.Context, status StandbyStatus) error
	EndCopy(ctx context.Context) error
	Close(ctx context.Context) error
}

type pgWALConn struct {
	conn *pgconn.PgConn
}

func (c *pgWALConn) IdentifySystem(ctx context.Context) (SystemIdentity, error) {
	return IdentifySystem(ctx, c.conn)
}

func (c *pgWALConn) TimelineHistory(ctx context.Context, timeline int32, sink HistorySink) error {
	var _, err = FetchTimelineHistory(ctx, c.conn, timeline, sink)
	return err
}

func (c *pgWALConn) StartReplication(ctx context.Context, slot string, startLSN pglogrepl.LSN, pluginArgs []string) error {
	return pglogrepl.StartReplication(ctx, c.conn, slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	})
}

func (c *pgWALConn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	return c.conn.ReceiveMessage(ctx)
}

func (c *pgWALConn) SendStandbyStatus(ctx context.Context, status StandbyStatus) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: status.Written,
		WALFlushPosition: status.Flushed,
		WALApplyPosition: status.Applied,
		ClientTime:       status.ClientTime,
		ReplyRequested:   status.ReplyRequested,
	})
}

// EndCopy performs the clean-shutdown handshake: send our end-of-copy
// marker, drain whatever frames the server still had in flight, and
// require the final command result to be success. The server responds
// promptly once it sees the marker, so no extra timeout applies beyond
// the context's.
func (c *pgWALConn) EndCopy(ctx context.Context) error {
	var res, err = pglogrepl.SendStandbyCopyDone(ctx, c.conn)
	if err != nil {
		return fmt.Errorf("end-of-copy handshake: %w", err)
	}
	if res != nil {
		logrus.WithFields(logrus.Fields{"timeline": res.Timeline, "lsn": res.LSN}).Debug("server confirmed end of copy")
	}
	return nil
}

func (c *pgWALConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
