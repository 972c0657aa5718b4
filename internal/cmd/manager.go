package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ocrfleet/internal/config"
	"github.com/3leaps/ocrfleet/internal/manager"
	"github.com/3leaps/ocrfleet/internal/observability"
	"github.com/3leaps/ocrfleet/internal/server"
	"github.com/3leaps/ocrfleet/internal/server/handlers"
	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/provider/s3"
	"github.com/3leaps/ocrfleet/pkg/provider/sqs"
)

var managerCmd = &cobra.Command{
	Use:   "manager <worker-image-id>",
	Short: "Run the manager node",
	Long: `Run the manager node until a client sends a terminate submission.

Worker instances are launched from the given machine image. On shutdown the
manager waits for every admitted job to be published, terminates the worker
fleet, deletes the queues it created and, unless --self-terminate=false,
terminates its own instance.

SIGINT or SIGTERM stops admission and drains; a second signal aborts.

Example:
  ocrfleet manager ami-0123456789abcdef0
  ocrfleet manager ami-0123456789abcdef0 --self-terminate=false --serve`,
	Args: cobra.ExactArgs(1),
	RunE: runManager,
}

var (
	managerSelfTerminate bool
	managerServe         bool
	managerPort          int
)

func init() {
	rootCmd.AddCommand(managerCmd)

	managerCmd.Flags().BoolVar(&managerSelfTerminate, "self-terminate", true, "Terminate this instance after shutdown")
	managerCmd.Flags().BoolVar(&managerServe, "serve", false, "Serve /health, /jobs and /metrics")
	managerCmd.Flags().IntVar(&managerPort, "port", 0, "Status server port (implies --serve)")
}

func runManager(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	image := strings.TrimSpace(args[0])
	if image == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker image", errors.New("image id is empty"))
	}
	applyManagerFlags(cmd, cfg)

	params, err := cfg.LaunchParams(image)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read worker user data", err)
	}

	queue, err := sqs.New(ctx, cfg.SQS())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to SQS", err)
	}
	store, err := s3.New(ctx, cfg.S3())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to S3", err)
	}
	compute, err := newCompute(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to EC2", err)
	}

	mgr, err := manager.New(manager.Deps{
		Queue:  queue,
		Store:  store,
		Fleet:  fleet.New(compute, fleet.Config{Ceiling: cfg.Fleet.Ceiling}).WithLogger(log),
		Logger: log,
	}, managerOptions(cfg, params))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manager setup", err)
	}

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("lifecycle", mgr.Lifecycle())

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithVersion(versionInfo.Version),
			server.WithJobs(mgr.Registry()),
			server.WithMetrics(mgr.Metrics()),
			server.WithTimeouts(server.Timeouts{
				Read:     cfg.Server.ReadTimeout,
				Write:    cfg.Server.WriteTimeout,
				Idle:     cfg.Server.IdleTimeout,
				Shutdown: cfg.Server.ShutdownTimeout,
			}))
		errCh, err := srv.Start()
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start status server", err)
		}
		go func() {
			for err := range errCh {
				log.Error("Status server failed", zap.Error(err))
			}
		}()
		defer func() {
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Status server shutdown failed", zap.Error(err))
			}
		}()
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go handleSignals(runCtx, sigCh, mgr.Lifecycle(), abort, log)

	log.Info("Starting manager",
		zap.String("worker_image", image),
		zap.Int("ceiling", cfg.Fleet.Ceiling),
		zap.Bool("self_terminate", cfg.Manager.SelfTerminate))

	if err := mgr.Run(runCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Manager aborted", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Manager failed", err)
	}
	return nil
}

// applyManagerFlags folds command flags the user set into cfg.
func applyManagerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("self-terminate") {
		cfg.Manager.SelfTerminate = managerSelfTerminate
	}
	if flags.Changed("serve") {
		cfg.Server.Enabled = managerServe
	}
	if flags.Changed("port") {
		cfg.Server.Enabled = true
		cfg.Server.Port = managerPort
	}
}

func managerOptions(cfg *config.Config, params fleet.LaunchParams) manager.Options {
	return manager.Options{
		SubmissionQueue:      cfg.Queues.Submissions,
		WorkQueue:            cfg.Queues.Work,
		ResultQueue:          cfg.Queues.Results,
		WorkerParams:         params,
		RateLimit:            cfg.Dispatch.RateLimit,
		Burst:                cfg.Dispatch.Burst,
		SendRetries:          cfg.Dispatch.SendRetries,
		RetryInitialInterval: cfg.Dispatch.RetryInitialInterval,
		RetryMaxInterval:     cfg.Dispatch.RetryMaxInterval,
		PublishAttempts:      cfg.Manager.PublishAttempts,
		NotifyFailures:       cfg.Manager.NotifyFailures,
		SelfTerminate:        cfg.Manager.SelfTerminate,
		CleanupTimeout:       cfg.Manager.CleanupTimeout,
	}
}

// handleSignals drains on the first signal and aborts on the second.
func handleSignals(ctx context.Context, sigs <-chan os.Signal, lc *manager.Lifecycle, abort context.CancelFunc, log *zap.Logger) {
	draining := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if draining {
				log.Warn("Second signal, aborting", zap.String("signal", sig.String()))
				abort()
				return
			}
			draining = true
			lc.RequestTermination()
			log.Info("Signal received, draining active jobs (signal again to abort)", zap.String("signal", sig.String()))
		}
	}
}
