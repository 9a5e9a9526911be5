// Package cmd holds the CLI commands: run starts the device daemon,
// devices performs a one-shot scan of the local network.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "wdcable",
	Short: "Link two devices over the local network and move data between them",
	Long: `wdcable pairs two devices over the local network, negotiates which
side hosts the channel ports, and runs chat, speed testing, and file
transfer over three dedicated TCP channels.`,
}

// Execute runs the root command. Cobra already printed the error; the
// exit code is all that is left to do.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity: debug, info, warn, or error")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
}

// newLogger builds the command logger honoring --log-level. An unknown
// level falls back to info.
func newLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logger.Warnf("Unknown log level %q, using info", logLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
