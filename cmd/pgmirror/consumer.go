package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/pgmirror/pgmirror/catalog"
	"github.com/pgmirror/pgmirror/replication"
	"github.com/sirupsen/logrus"
)

// fileConsumer appends decoded change payloads to a file, one per line,
// and confirms progress only after the file has been synced. The
// position it reports covers everything written so far, so a crash can
// at worst replay changes that were already on disk.
type fileConsumer struct {
	out     *os.File
	buf     *bufio.Writer
	cat     *catalog.Catalog
	pending pglogrepl.LSN
	durable pglogrepl.LSN
	frames  int64
}

func newFileConsumer(out *os.File, cat *catalog.Catalog) *fileConsumer {
	return &fileConsumer{out: out, buf: bufio.NewWriter(out), cat: cat}
}

func (c *fileConsumer) OnData(ctx context.Context, walStart pglogrepl.LSN, serverTime time.Time, data []byte) error {
	if _, err := c.buf.Write(data); err != nil {
		return fmt.Errorf("write change payload: %w", err)
	}
	if err := c.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write change payload: %w", err)
	}
	c.pending = walStart + pglogrepl.LSN(len(data))
	c.frames++
	return nil
}

func (c *fileConsumer) OnFlushDue(ctx context.Context) (flushed, applied pglogrepl.LSN, err error) {
	if c.pending > c.durable {
		if err := c.buf.Flush(); err != nil {
			return 0, 0, fmt.Errorf("flush output: %w", err)
		}
		if err := c.out.Sync(); err != nil {
			// Syncing stdout or a pipe is not possible; the buffer flush
			// above is the best durability available there.
			if !isUnsyncable(err) {
				return 0, 0, fmt.Errorf("sync output: %w", err)
			}
		}
		c.durable = c.pending
	}
	// Nothing consumes the output downstream, so applied tracks flushed.
	return c.durable, c.durable, nil
}

func (c *fileConsumer) OnKeepalive(ctx context.Context, serverWALEnd pglogrepl.LSN, serverTime time.Time) error {
	logrus.WithField("serverWALEnd", serverWALEnd).Trace("keepalive received")
	return nil
}

func (c *fileConsumer) OnFeedbackSent(ctx context.Context, marks replication.Watermarks) error {
	return c.cat.UpdateWatermarks(ctx, marks)
}

func (c *fileConsumer) OnClose(ctx context.Context, marks replication.Watermarks) error {
	if err := c.buf.Flush(); err != nil {
		return fmt.Errorf("flush output on close: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"frames":  c.frames,
		"written": marks.Written,
		"flushed": marks.Flushed,
	}).Info("stream closed")
	return c.cat.UpdateWatermarks(ctx, marks)
}

var _ replication.StreamConsumer = (*fileConsumer)(nil)

// isUnsyncable reports whether a sync failure is the expected result of
// the output being a terminal or pipe rather than a regular file.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.ENOTTY)
}
