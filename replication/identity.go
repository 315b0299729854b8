package replication

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// SystemIdentity is the server instance fingerprint reported by
// IDENTIFY_SYSTEM. It is fetched once per streaming session and immutable
// thereafter; a changed SystemID between sessions means the client is
// talking to a different server than the one it copied from.
type SystemIdentity struct {
	SystemID uint64
	Timeline int32
	XLogPos  pglogrepl.LSN
	Database string // empty when the connection is not bound to a database
}

// IdentifySystem issues IDENTIFY_SYSTEM over a replication-mode
// connection.
func IdentifySystem(ctx context.Context, conn *pgconn.PgConn) (SystemIdentity, error) {
	var res, err = pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return SystemIdentity{}, fmt.Errorf("identify system: %w", err)
	}
	return identityFromResult(res)
}

func identityFromResult(res pglogrepl.IdentifySystemResult) (SystemIdentity, error) {
	var systemID, err = strconv.ParseUint(res.SystemID, 10, 64)
	if err != nil {
		return SystemIdentity{}, fmt.Errorf("system identifier %q is not a 64-bit integer: %w", res.SystemID, ErrProtocolViolation)
	}
	var ident = SystemIdentity{
		SystemID: systemID,
		Timeline: res.Timeline,
		XLogPos:  res.XLogPos,
		Database: res.DBName,
	}
	logrus.WithFields(logrus.Fields{
		"systemID": ident.SystemID,
		"timeline": ident.Timeline,
		"xlogPos":  ident.XLogPos,
		"database": ident.Database,
	}).Debug("identified system")
	return ident, nil
}
