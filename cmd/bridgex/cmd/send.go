package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/usfsci/bridge-x/pkg/bridgex/client"
	"github.com/usfsci/bridge-x/pkg/bridgex/smsg"
	"go.uber.org/zap"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <id> <action> <kind> [json-body]",
	Short: "Send one SMSG request to the gateway and print the response",
	Long: `Send one SMSG request to a running gateway and print the response whose id
matches. The optional body must be valid JSON.

Examples:
  bridgex send 1 get status
  bridgex send 2 set led '{"on":true}'
  bridgex --socket /run/bridgex.sock send 3 reboot device`,
	Args: cobra.RangeArgs(3, 4),
	RunE: runSend,
}

var (
	sendDialTimeout time.Duration
	sendTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().DurationVar(&sendDialTimeout, "dial-timeout", client.DefaultDialTimeout, "socket dial timeout")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "total operation timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	req, err := requestFromArgs(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	c, err := client.Dial(ctx, socketPath,
		client.WithLogger(logger),
		client.WithDialTimeout(sendDialTimeout),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Debug("Sending request", zap.Object("request", req))

	resp, err := c.Request(ctx, req)
	if err != nil {
		return fmt.Errorf("request %d failed: %w", req.ID, err)
	}

	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

func requestFromArgs(args []string) (*smsg.Request, error) {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", args[0], err)
	}

	var body any
	if len(args) == 4 {
		if body, err = smsg.DecodeBody([]byte(args[3])); err != nil {
			return nil, err
		}
	}
	return smsg.NewRequest(id, args[1], args[2], body), nil
}
