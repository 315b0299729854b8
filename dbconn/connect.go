// Package dbconn opens connections to the source database, retrying
// transient failures under a retry.Policy. Between attempts it probes the
// target at the TCP level to tell an unreachable host apart from a server
// that is up but refusing connections (startup, shutdown, recovery), and
// rate-limits its warnings so an extended outage does not flood the logs.
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgmirror/pgmirror/retry"
	"github.com/sirupsen/logrus"
)

// cannotConnectNow is the SQLSTATE the server reports while starting up,
// shutting down, or in recovery. Postgres guarantees this code for the
// "not yet accepting connections" window, so it is the one signal that a
// reachable server will become connectable without caller intervention.
const cannotConnectNow = "57P03"

const probeDialTimeout = 2 * time.Second

// A ConnectionError is returned when every attempt permitted by the retry
// policy has failed. It carries the last server-reported error and the
// attempt/elapsed context an operator needs to judge the outage.
type ConnectionError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect after %d attempts over %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Open connects to the database described by the connection string,
// applying the retry policy when the initial attempt fails. A nil policy
// means a single attempt.
func Open(ctx context.Context, connString string, policy *retry.Policy) (*pgconn.PgConn, error) {
	return open(ctx, connString, policy, false)
}

// OpenReplication is Open with the connection negotiated for the logical
// replication protocol (replication=database), as required before any
// IDENTIFY_SYSTEM / CREATE_REPLICATION_SLOT / START_REPLICATION command.
func OpenReplication(ctx context.Context, connString string, policy *retry.Policy) (*pgconn.PgConn, error) {
	return open(ctx, connString, policy, true)
}

func open(ctx context.Context, connString string, policy *retry.Policy, replication bool) (*pgconn.PgConn, error) {
	var cfg, err = pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	if replication {
		cfg.RuntimeParams["replication"] = "database"
	}
	var op = &opener{
		dial:    dialProbe,
		connect: pgconn.ConnectConfig,
	}
	return op.open(ctx, cfg, policy)
}

// opener holds the seams the retry loop is tested through.
type opener struct {
	dial    func(ctx context.Context, network, addr string) error
	connect func(ctx context.Context, cfg *pgconn.Config) (*pgconn.PgConn, error)
}

func (op *opener) open(ctx context.Context, cfg *pgconn.Config, policy *retry.Policy) (*pgconn.PgConn, error) {
	var logEntry = logrus.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port})

	conn, err := op.connect(ctx, cfg)
	if err == nil {
		return conn, nil
	}
	if policy == nil || policy.MaxAttempts == 0 {
		return nil, err
	}

	var network, addr = probeAddr(cfg)
	var notify = newRateLimitedNotifier(30 * time.Second)
	var lastErr = err
	for {
		if policy.Exhausted(ctx) {
			return nil, &ConnectionError{Attempts: policy.Attempts(), Elapsed: policy.Elapsed(), Err: lastErr}
		}
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Attempts: policy.Attempts(), Elapsed: policy.Elapsed(), Err: lastErr}
		case <-time.After(policy.NextDelay()):
		}

		// A raw dial tells us whether anything is answering at all, without
		// spending a full authentication handshake on a host that is down.
		if err := op.dial(ctx, network, addr); err != nil {
			lastErr = err
			notify.warn(outcomeUnreachable, logEntry.WithField("reason", err), "server is unreachable, still retrying")
			continue
		}

		// Something accepted the dial; a full connect attempt decides the
		// rest. Dial success does not guarantee connect success (wrong
		// credentials, pg_hba rules), so failures here keep the loop going.
		conn, err = op.connect(ctx, cfg)
		if err == nil {
			logEntry.WithFields(logrus.Fields{"attempts": policy.Attempts(), "elapsed": policy.Elapsed().Round(time.Millisecond).String()}).Info("connected after retry")
			return conn, nil
		}
		lastErr = err
		if sqlState(err) == cannotConnectNow {
			notify.warn(outcomeNotReady, logEntry.WithField("reason", err), "server is up but not accepting connections yet, still retrying")
		} else {
			notify.warn(outcomeRejected, logEntry.WithField("reason", err), "server rejected the connection, still retrying")
		}
	}
}

// probeAddr derives the dial target for the liveness probe from the first
// host of the parsed config, handling Unix-socket directories the way
// libpq spells them.
func probeAddr(cfg *pgconn.Config) (network, addr string) {
	if strings.HasPrefix(cfg.Host, "/") {
		return "unix", filepath.Join(cfg.Host, fmt.Sprintf(".s.PGSQL.%d", cfg.Port))
	}
	return "tcp", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
}

func dialProbe(ctx context.Context, network, addr string) error {
	var d = net.Dialer{Timeout: probeDialTimeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// sqlState extracts the server-reported SQLSTATE from a connect error, or
// returns the empty string for purely client-side failures.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
