package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/sitepolicy-gateway/internal/connectors"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	pq "github.com/xela07ax/sitepolicy-gateway/pkg/api/processquery/v1"
)

// remotesim поднимает симулятор удаленной платформы: один MemoryPolicyStore за HTTP и gRPC.
func main() {
	cmd := &cli.Command{
		Name:  "remotesim",
		Usage: "in-memory ProcessQuery platform for local runs of sitepolicyd",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file with remote.seed_policies and logger sections",
				Sources: cli.EnvVars("SITEPOLICY_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Value: ":8081",
				Usage: "HTTP listen address (POST {site}/_vti_bin/client.svc/ProcessQuery)",
			},
			&cli.StringFlag{
				Name:  "grpc-addr",
				Value: ":50051",
				Usage: "gRPC listen address",
			},
			&cli.DurationFlag{
				Name:  "latency-min",
				Usage: "minimal simulated latency of one batch",
			},
			&cli.DurationFlag{
				Name:  "latency-max",
				Usage: "maximal simulated latency of one batch",
			},
			&cli.IntFlag{
				Name:  "throttle-every",
				Usage: "throttle every N-th batch (0 disables throttling)",
			},
			&cli.DurationFlag{
				Name:  "retry-after",
				Value: 2 * time.Second,
				Usage: "Retry-After reported to throttled clients",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			chaos := connectors.ChaosOptions{
				MinLatency:    cmd.Duration("latency-min"),
				MaxLatency:    cmd.Duration("latency-max"),
				ThrottleEvery: int(cmd.Int("throttle-every")),
				RetryAfter:    cmd.Duration("retry-after"),
			}
			return run(ctx, cmd.String("config"), cmd.String("http-addr"), cmd.String("grpc-addr"), chaos)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, configFile, httpAddr, grpcAddr string, chaos connectors.ChaosOptions) error {
	cfg, err := infra.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	appCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := connectors.NewMemoryPolicyStore(connectors.MemoryPoliciesFromConfig(cfg.Remote.SeedPolicies)...)
	provider := connectors.NewChaosProvider(store, chaos)

	// HTTP
	srv := &http.Server{
		Addr:    httpAddr,
		Handler: connectors.NewProcessQueryHandler(provider, logger),
	}

	// gRPC
	grpcSrv := grpc.NewServer()
	pq.RegisterProcessQueryServiceServer(grpcSrv, connectors.NewGRPCServer(provider, logger))
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("remote simulator gRPC started", zap.String("addr", grpcAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()
	go func() {
		logger.Info("remote simulator HTTP started", zap.String("addr", httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen HTTP: %w", err)
		}
	}()

	select {
	case <-appCtx.Done():
	case err := <-errCh:
		grpcSrv.Stop()
		return err
	}
	logger.Info("remote simulator stopping...", zap.Int("batches_served", store.Calls()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	grpcSrv.GracefulStop()
	logger.Info("remote simulator exited properly")
	return nil
}
