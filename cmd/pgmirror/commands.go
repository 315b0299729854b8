package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/pgmirror/pgmirror/catalog"
	"github.com/pgmirror/pgmirror/dbconn"
	"github.com/pgmirror/pgmirror/replication"
	"github.com/pgmirror/pgmirror/retry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func retryPolicyFlags(cmd *cobra.Command) func() *retry.Policy {
	var maxSeconds = cmd.Flags().Int("retry-seconds", 60, "total wall-clock budget for connection retries")
	var maxAttempts = cmd.Flags().Int("retry-attempts", retry.UnboundedAttempts, "maximum connection attempts (-1 unbounded, 0 no retry)")
	return func() *retry.Policy {
		return retry.NewPolicy(time.Duration(*maxSeconds)*time.Second, *maxAttempts, 0, 0)
	}
}

func createSlotCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "create-slot",
		Short: "Create the replication slot and export its snapshot",
	}
	var policy = retryPolicyFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var ctx = cmd.Context()
		conn, err := dbconn.OpenReplication(ctx, sourceDSN, policy())
		if err != nil {
			return err
		}
		defer conn.Close(ctx)

		slot, err := replication.CreateSlotAndSnapshot(ctx, conn, slotName, pluginName)
		if err != nil {
			if replication.IsSlotExists(err) {
				return fmt.Errorf("slot already exists; drop it first if you want a fresh consistent point: %w", err)
			}
			return err
		}

		cat, err := catalog.Open(catalogPath)
		if err != nil {
			return err
		}
		defer cat.Close()
		if err := cat.RecordSlot(ctx, slot); err != nil {
			return err
		}

		// The exported snapshot is the hand-off to the bulk copy: a copy
		// run inside it sees exactly the state at the consistent point.
		fmt.Printf("slot: %s\nconsistent point: %s\nexported snapshot: %s\n", slot.Name, slot.ConsistentPoint, slot.SnapshotName)
		return nil
	}
	return cmd
}

func dropSlotCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "drop-slot",
		Short: "Drop the replication slot",
	}
	var policy = retryPolicyFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var ctx = cmd.Context()
		conn, err := dbconn.OpenReplication(ctx, sourceDSN, policy())
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return replication.DropSlot(ctx, conn, slotName)
	}
	return cmd
}

func followCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "follow",
		Short: "Stream changes from the slot, acknowledging progress as the output is synced",
	}
	var policy = retryPolicyFlags(cmd)
	var startLSN = cmd.Flags().String("start-lsn", "", "position to start streaming from (default: last flushed, else server position)")
	var endLSN = cmd.Flags().String("end-lsn", "", "stop once this position is reached")
	var outputPath = cmd.Flags().String("output", "-", "file receiving raw change payloads ('-' for stdout)")
	var skipChecks = cmd.Flags().Bool("skip-prerequisites", false, "skip wal_level and role checks")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var ctx, cancel = context.WithCancel(cmd.Context())
		defer cancel()

		// The first signal asks for a clean stop: flush, final feedback,
		// end-of-copy handshake. Only a second signal aborts the context,
		// which abandons the socket without telling the server the final
		// confirmed position.
		var token replication.CancelToken
		var signals = make(chan os.Signal, 2)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)
		go watchStopSignals(signals, &token, cancel)

		cat, err := catalog.Open(catalogPath)
		if err != nil {
			return err
		}
		defer cat.Close()

		if !*skipChecks {
			if err := runPrerequisiteChecks(ctx); err != nil {
				return err
			}
		}

		conn, err := dbconn.OpenReplication(ctx, sourceDSN, policy())
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())

		ident, err := replication.IdentifySystem(ctx, conn)
		if err != nil {
			return err
		}
		if err := cat.RecordIdentity(ctx, ident); err != nil {
			return err
		}

		start, err := resolveStartLSN(ctx, cat, *startLSN)
		if err != nil {
			return err
		}
		var end pglogrepl.LSN
		if *endLSN != "" {
			if end, err = pglogrepl.ParseLSN(*endLSN); err != nil {
				return fmt.Errorf("invalid --end-lsn: %w", err)
			}
		}
		if err := cat.InitSentinel(ctx, start, end); err != nil {
			return err
		}

		out, err := openOutput(*outputPath)
		if err != nil {
			return err
		}
		defer out.Close()

		var engine = replication.NewEngine(conn, newFileConsumer(out, cat), replication.StreamOptions{
			Slot:           slotName,
			StartLSN:       start,
			EndLSN:         end,
			FlushInterval:  intervalFromEnv("PGMIRROR_FSYNC_INTERVAL", replication.DefaultFlushInterval),
			StatusInterval: intervalFromEnv("PGMIRROR_STATUS_INTERVAL", replication.DefaultStatusInterval),
			History:        cat,
			Cancel:         &token,
		})
		return engine.Run(ctx)
	}
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print recorded identity and progress from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ctx = cmd.Context()
			cat, err := catalog.Open(catalogPath)
			if err != nil {
				return err
			}
			defer cat.Close()

			ident, err := cat.Identity(ctx)
			if err != nil {
				return err
			}
			if ident != nil {
				fmt.Printf("system: %d timeline: %d position: %s database: %s\n", ident.SystemID, ident.Timeline, ident.XLogPos, ident.Database)
			}
			sentinel, err := cat.Sentinel(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("start: %s end: %s written: %s flushed: %s applied: %s\n",
				sentinel.StartPos, sentinel.EndPos, sentinel.Write, sentinel.Flush, sentinel.Apply)

			entries, err := cat.TimelineHistory(ctx)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Printf("timeline %d: %s .. %s\n", entry.Timeline, entry.BeginLSN, entry.EndLSN)
			}

			// With a source configured, also show the slot as the server
			// sees it right now.
			if sourceDSN == "" {
				return nil
			}
			conn, err := pgx.Connect(ctx, sourceDSN)
			if err != nil {
				return fmt.Errorf("unable to connect for slot status: %w", err)
			}
			defer conn.Close(ctx)
			info, err := replication.QuerySlotInfo(ctx, conn, slotName)
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Printf("slot %q does not exist on the server\n", slotName)
				return nil
			}
			fmt.Printf("slot %s: plugin=%s database=%s active=%v restart=%s confirmed_flush=%s\n",
				info.SlotName, info.Plugin, info.Database, info.Active, info.RestartLSN, info.ConfirmedFlushLSN)
			return nil
		},
	}
}

// watchStopSignals escalates stop signals: the first requests a clean
// stop through the token, the second aborts outright.
func watchStopSignals(signals <-chan os.Signal, token *replication.CancelToken, abort context.CancelFunc) {
	<-signals
	logrus.Info("stop requested, finishing the stream cleanly")
	token.Cancel()
	<-signals
	logrus.Warn("second stop signal, aborting")
	abort()
}

// runPrerequisiteChecks uses a regular SQL connection, since SHOW and
// catalog queries are not available on a replication-mode connection.
func runPrerequisiteChecks(ctx context.Context) error {
	var cfg, err = pgx.ParseConfig(sourceDSN)
	if err != nil {
		return fmt.Errorf("invalid connection string: %w", err)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to connect for prerequisite checks: %w", err)
	}
	defer conn.Close(ctx)

	if errs := replication.CheckPrerequisites(ctx, conn, cfg.User); len(errs) > 0 {
		for _, err := range errs {
			logrus.WithField("error", err).Error("prerequisite not met")
		}
		return fmt.Errorf("%d prerequisite(s) not met", len(errs))
	}
	return nil
}

func resolveStartLSN(ctx context.Context, cat *catalog.Catalog, flagValue string) (pglogrepl.LSN, error) {
	if flagValue != "" {
		var lsn, err = pglogrepl.ParseLSN(flagValue)
		if err != nil {
			return 0, fmt.Errorf("invalid --start-lsn: %w", err)
		}
		return lsn, nil
	}
	// Resume from the last position the consumer durably confirmed;
	// zero lets the engine start at the server's current position.
	var sentinel, err = cat.Sentinel(ctx)
	if err != nil {
		return 0, err
	}
	return sentinel.Flush, nil
}

func openOutput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
