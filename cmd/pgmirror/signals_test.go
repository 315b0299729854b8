package main

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/pgmirror/pgmirror/replication"
	"github.com/stretchr/testify/require"
)

func TestStopSignalsEscalate(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var token replication.CancelToken
	var signals = make(chan os.Signal, 2)
	go watchStopSignals(signals, &token, cancel)

	signals <- syscall.SIGINT
	require.Eventually(t, token.Cancelled, time.Second, time.Millisecond)
	require.NoError(t, ctx.Err(), "the first signal must leave the context alive so the stream can drain")

	signals <- syscall.SIGINT
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)
}
