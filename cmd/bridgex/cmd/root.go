package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/usfsci/bridge-x/pkg/bridgex/server"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags.
var version = "dev"

var (
	verbose    bool
	debug      bool
	logLevel   string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bridgex",
	Short: "SMSG gateway between a Unix socket and a BLE peripheral",
	Long: `bridgex relays length-prefixed SMSG frames between local clients on a
Unix domain socket and a central connected over Bluetooth Low Energy.

Every request a client sends is acknowledged with "200 OK" and forwarded
toward the BLE side. Frames written by the central are delivered to every
connected client.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", server.DefaultSocketPath, "gateway socket path")
}

// setupLogger builds a production logger at level, raised to debug by
// --debug, or by --verbose when level is info.
func setupLogger(level string) (*zap.Logger, error) {
	if debug {
		level = "debug"
	} else if verbose && level == "info" {
		level = "debug"
	}

	config := zap.NewProductionConfig()
	config.Level = parseLevel(level)
	config.Development = debug

	return config.Build()
}

func parseLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
