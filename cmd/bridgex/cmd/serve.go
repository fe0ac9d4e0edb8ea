package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/usfsci/bridge-x/pkg/bridgex/ble"
	"github.com/usfsci/bridge-x/pkg/bridgex/config"
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/otel"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"github.com/usfsci/bridge-x/pkg/bridgex/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway: accept SMSG clients on the Unix socket and relay frames
to and from the BLE peripheral.

Settings come from the built-in defaults, then the optional config file
(.hcl, .yaml or .yml), then command line flags.

Examples:
  bridgex serve
  bridgex serve --config /etc/bridgex.hcl
  bridgex serve --socket /run/bridgex.sock --error-replies`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	configPath   string
	enableOTel   bool
	errorReplies bool
	enableBLE    bool
	loopbackEcho bool
)

const shutdownGrace = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (.hcl, .yaml, .yml)")
	serveCmd.Flags().BoolVar(&enableOTel, "otel", false, "record metrics and traces through OpenTelemetry")
	serveCmd.Flags().BoolVar(&errorReplies, "error-replies", false, "answer malformed requests with 400")
	serveCmd.Flags().BoolVar(&enableBLE, "ble", false, "advertise the GATT service on the default adapter")
	serveCmd.Flags().BoolVar(&loopbackEcho, "echo", false, "without --ble, echo BLE-bound frames back to clients")
}

// loadConfig layers defaults, the config file and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("socket") {
		cfg.SocketPath = socketPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("otel") {
		cfg.OTel = enableOTel
	}
	if flags.Changed("error-replies") {
		cfg.ErrorReplies = errorReplies
	}
	if flags.Changed("ble") {
		cfg.BLE.Enabled = enableBLE
	}
	if flags.Changed("echo") {
		cfg.BLE.LoopbackEcho = loopbackEcho
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting bridgex gateway",
		zap.String("version", version),
		zap.String("socket", cfg.SocketPath),
		zap.String("config", configPath),
		zap.Bool("ble", cfg.BLE.Enabled),
	)

	standalone := o11y.NewStandaloneMetricsProvider()
	var metrics o11y.MetricsProvider = standalone
	var tracing o11y.TracingProvider
	if cfg.OTel {
		provider := otel.NewProvider("bridgex", version)
		metrics = o11y.Multi(standalone, provider)
		tracing = provider
	}

	toBLE, err := newPeer("to_ble", cfg, logger, metrics)
	if err != nil {
		return err
	}
	toClients, err := newPeer("to_clients", cfg, logger, metrics)
	if err != nil {
		return err
	}

	listener, err := server.NewListenerConfig().
		WithSocketPath(cfg.SocketPath).
		WithLogger(logger).
		WithRelay(toBLE, toClients).
		WithQueueSize(cfg.QueueSize).
		WithWriteTimeout(cfg.WriteTimeout).
		WithMaxFrameSize(cfg.MaxFrameSize).
		WithErrorReplies(cfg.ErrorReplies).
		WithMetrics(metrics).
		WithTracing(tracing).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build listener: %w", err)
	}

	bridge, err := ble.NewBridgeConfig().
		WithPeripheral(newPeripheral(cfg, logger)).
		WithRelay(toBLE, toClients).
		WithLogger(logger).
		WithChunkSize(cfg.BLE.ChunkSize).
		WithMaxFrameSize(cfg.MaxFrameSize).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build BLE bridge: %w", err)
	}

	// Bind before anything else starts so socket problems are reported first.
	if err := listener.Listen(); err != nil {
		return err
	}
	logger.Info("Gateway listening", zap.String("socket", listener.Addr()))

	if cfg.StatsSchedule != "" {
		scheduler := cron.New(
			cron.WithLogger(NewZapCronLogger(logger)),
			cron.WithParser(config.StatsParser),
		)
		_, err := scheduler.AddJob(cfg.StatsSchedule, &statsJob{
			logger:      logger.Named("stats"),
			connections: listener.ConnectionCount,
			peers:       []*relay.Peer[[]byte]{toBLE, toClients},
			metrics:     standalone,
		})
		if err != nil {
			return fmt.Errorf("stats_schedule: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve(gctx)
	})
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := listener.Shutdown(shutdownCtx)

		toBLE.Close()
		toClients.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}

func newPeer(name string, cfg *config.Config, logger *zap.Logger, metrics o11y.MetricsProvider) (*relay.Peer[[]byte], error) {
	peer, err := relay.NewPeerConfig[[]byte]().
		WithName(name).
		WithCapacity(cfg.RelayCapacity).
		WithLogger(logger).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s relay: %w", name, err)
	}
	return peer, nil
}

func newPeripheral(cfg *config.Config, logger *zap.Logger) ble.Peripheral {
	if cfg.BLE.Enabled {
		return ble.NewGATTPeripheral(cfg.BLE.GATT(), logger)
	}
	logger.Info("BLE disabled, using in-memory peripheral", zap.Bool("echo", cfg.BLE.LoopbackEcho))
	return ble.NewLoopback(cfg.BLE.LoopbackEcho)
}
