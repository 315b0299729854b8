package replication

import (
	"encoding/binary"
	"time"

	"github.com/jackc/pglogrepl"
)

// pgEpoch is midnight 2000-01-01 UTC, the zero point of timestamps on the
// replication wire.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// A standby status update is exactly 34 bytes: tag, three 8-byte
// big-endian positions, an 8-byte timestamp, and the reply-requested flag.
const standbyStatusLen = 34

// StandbyStatus is the client-to-server feedback frame reporting the
// three watermarks. The server uses the flushed position to decide how
// much of its log it may discard.
type StandbyStatus struct {
	Written        pglogrepl.LSN
	Flushed        pglogrepl.LSN
	Applied        pglogrepl.LSN
	ClientTime     time.Time
	ReplyRequested bool
}

// encodeStandbyStatus renders the feedback frame in wire order.
func encodeStandbyStatus(s StandbyStatus) []byte {
	var buf = make([]byte, 0, standbyStatusLen)
	buf = append(buf, pglogrepl.StandbyStatusUpdateByteID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Written))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Flushed))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Applied))
	buf = binary.BigEndian.AppendUint64(buf, uint64(pgTimestamp(s.ClientTime)))
	if s.ReplyRequested {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// parseStandbyStatus decodes a feedback frame, tag byte included. It is
// the reference decoder for the wire contract and is exercised against
// encodeStandbyStatus byte-for-byte.
func parseStandbyStatus(buf []byte) (StandbyStatus, error) {
	if len(buf) != standbyStatusLen {
		return StandbyStatus{}, framingErrorf("standby status must be %d bytes, got %d", standbyStatusLen, len(buf))
	}
	if buf[0] != pglogrepl.StandbyStatusUpdateByteID {
		return StandbyStatus{}, framingErrorf("expected standby status tag %q, got %q", pglogrepl.StandbyStatusUpdateByteID, buf[0])
	}
	written, err := readUint64BE(buf, 1)
	if err != nil {
		return StandbyStatus{}, err
	}
	flushed, err := readUint64BE(buf, 9)
	if err != nil {
		return StandbyStatus{}, err
	}
	applied, err := readUint64BE(buf, 17)
	if err != nil {
		return StandbyStatus{}, err
	}
	clientTime, err := readUint64BE(buf, 25)
	if err != nil {
		return StandbyStatus{}, err
	}
	return StandbyStatus{
		Written:        pglogrepl.LSN(written),
		Flushed:        pglogrepl.LSN(flushed),
		Applied:        pglogrepl.LSN(applied),
		ClientTime:     timeFromPgTimestamp(int64(clientTime)),
		ReplyRequested: buf[33] != 0,
	}, nil
}

// readUint64BE reads a big-endian 64-bit value at the given offset,
// refusing to read past the end of the buffer.
func readUint64BE(buf []byte, off int) (uint64, error) {
	if off < 0 || off+8 > len(buf) {
		return 0, framingErrorf("read of 8 bytes at offset %d overruns %d-byte frame", off, len(buf))
	}
	return binary.BigEndian.Uint64(buf[off : off+8]), nil
}

func pgTimestamp(t time.Time) int64 {
	return t.Sub(pgEpoch).Microseconds()
}

func timeFromPgTimestamp(micros int64) time.Time {
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}
