package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/usfsci/bridge-x/pkg/bridgex/client"
	"github.com/usfsci/bridge-x/pkg/bridgex/smsg"
	"go.uber.org/zap"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print every frame the gateway delivers",
	Long: `Connect to the gateway and print the payload of every frame it sends,
one per line, until interrupted.

Examples:
  bridgex listen
  bridgex listen --count 10`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

var listenCount int

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().IntVarP(&listenCount, "count", "n", 0, "exit after this many frames (0 means no limit)")
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, socketPath, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("Listening for frames", zap.String("socket", socketPath))

	for received := 0; listenCount == 0 || received < listenCount; received++ {
		payload, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if msg, err := smsg.Decode(payload); err == nil {
			logger.Debug("Frame received", zap.Object("msg", msg))
		} else {
			logger.Debug("Undecodable frame received", zap.Error(err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	}
	return nil
}
