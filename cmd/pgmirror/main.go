package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sourceDSN   string
	slotName    string
	pluginName  string
	catalogPath string
)

var rootCmd = &cobra.Command{
	Use:           "pgmirror",
	Short:         "Copy and continuously replicate data between PostgreSQL servers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.WithField("level", logLevel).Fatal("invalid log level")
		}
		logrus.SetLevel(level)
	}

	rootCmd.PersistentFlags().StringVar(&sourceDSN, "source", os.Getenv("PGMIRROR_SOURCE"), "connection string of the source server")
	rootCmd.PersistentFlags().StringVar(&slotName, "slot", "pgmirror", "replication slot name")
	rootCmd.PersistentFlags().StringVar(&pluginName, "plugin", "test_decoding", "logical decoding output plugin")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "pgmirror.db", "path of the progress catalog")

	rootCmd.AddCommand(createSlotCmd(), dropSlotCmd(), followCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.WithField("error", err).Fatal("command failed")
	}
}

// intervalFromEnv reads a pacing interval in milliseconds from the
// environment, falling back to the given default.
func intervalFromEnv(name string, fallback time.Duration) time.Duration {
	var raw = os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var ms, err = time.ParseDuration(raw + "ms")
	if err != nil || ms <= 0 {
		logrus.WithFields(logrus.Fields{"var": name, "value": raw}).Warn("ignoring unparseable interval")
		return fallback
	}
	return ms
}
