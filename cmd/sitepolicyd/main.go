package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/sitepolicy-gateway/internal/audit"
	"github.com/xela07ax/sitepolicy-gateway/internal/connectors"
	"github.com/xela07ax/sitepolicy-gateway/internal/console/handler"
	"github.com/xela07ax/sitepolicy-gateway/internal/console/server"
	"github.com/xela07ax/sitepolicy-gateway/internal/console/service"
	"github.com/xela07ax/sitepolicy-gateway/internal/engine"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra"
	"github.com/xela07ax/sitepolicy-gateway/internal/infra/auth"
	"github.com/xela07ax/sitepolicy-gateway/internal/repository/postgres"
	pq "github.com/xela07ax/sitepolicy-gateway/pkg/api/processquery/v1"
)

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to config file (default: ./config.yaml or ./configs/config.yaml)",
		Sources: cli.EnvVars("SITEPOLICY_CONFIG"),
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "sitepolicyd",
		Usage: "site policy gateway: operator API over the remote ProcessQuery platform",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "print site state changes published by running gateways",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return watch(ctx, cmd.String("config"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// watch подписывается на sitepolicy:site-state и печатает сигналы до SIGINT.
func watch(ctx context.Context, configFile string) error {
	cfg, err := infra.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Redis.Addr == "" {
		return errors.New("watch: redis.addr is not configured")
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	appCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	engine.ListenSiteStateResilient(appCtx, rdb, logger,
		func() error {
			logger.Info("subscribed", zap.String("chan", infra.RedisChanSiteState))
			return nil
		},
		func(action, siteURL string) {
			fmt.Printf("%s\t%s\t%s\n", time.Now().Format(time.RFC3339), action, siteURL)
		},
	)
	return nil
}

func run(ctx context.Context, configFile string) error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Контекст живет до SIGINT/SIGTERM
	appCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Execution Layer: транспорт + надежность
	transport, closeTransport, err := newTransport(cfg.Remote, logger)
	if err != nil {
		return err
	}
	defer closeTransport()
	safeExecutor := engine.NewReliabilityWrapper(transport, cfg.Reliability, metrics, logger)

	// 4. PostgreSQL (опционально): журнал мутаций и учетки операторов
	repo, err := newDatabase(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	var (
		storage     audit.StorageInterface = audit.NewLogStorage(logger)
		auditReader service.AuditLogProvider
		operators   = service.ChainOperators{service.NewConfigOperators(cfg.Auth.Operators)}
	)
	if repo != nil {
		defer repo.Close()
		storage, auditReader = repo, repo
		operators = append(operators, repo)
	}

	trail := audit.NewTrail(storage, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger)
	trail.Start()
	defer trail.Stop()

	// 5. Сигналы в Redis (опционально)
	var publisher service.Publisher
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Warn("redis unreachable, site state signals may be lost", zap.Error(err))
		}
		publisher = rdb
	} else {
		logger.Info("redis is not configured: site state signals are disabled")
	}

	// 6. Аутентификация операторов
	validator, privateKey, err := newAuth(cfg.Auth)
	if err != nil {
		return err
	}

	// 7. Слои Console API (Dependency Injection)
	siteSvc := service.NewSiteService(safeExecutor, trail, publisher, metrics, logger).
		WithAllowedHosts(cfg.Remote.AllowedHosts)
	authSvc := service.NewAuthService(operators, privateKey, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	auditSvc := service.NewAuditService(auditReader)

	consoleSrv := server.NewConsoleServer(
		logger,
		validator,
		reg,
		handler.NewAuthHandler(authSvc, logger),
		handler.NewSiteHandler(siteSvc, logger),
		handler.NewAuditHandler(auditSvc),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("site policy gateway started",
			zap.String("addr", srv.Addr),
			zap.String("transport", cfg.Remote.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("site policy gateway stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("site policy gateway exited properly")
	return nil
}

func newTransport(cfg infra.RemoteConfig, logger *zap.Logger) (engine.ExecutionProvider, func(), error) {
	noop := func() {}
	switch cfg.Transport {
	case infra.TransportHTTP:
		client := &http.Client{Timeout: cfg.Timeout}
		return connectors.NewRESTAdapter(client, cfg.Endpoint, cfg.AccessToken, cfg.Timeout), noop, nil

	case infra.TransportGRPC:
		conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to remote platform: %w", err)
		}
		adapter := connectors.NewGRPCAdapter(pq.NewProcessQueryServiceClient(conn), cfg.Timeout)
		return adapter, func() { _ = conn.Close() }, nil

	default:
		policies := connectors.MemoryPoliciesFromConfig(cfg.SeedPolicies)
		logger.Warn("using in-memory remote platform simulator", zap.Int("policies", len(policies)))
		return connectors.NewMemoryPolicyStore(policies...), noop, nil
	}
}

// newDatabase возвращает nil без ошибки, если database.url не задан.
func newDatabase(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*postgres.Repo, error) {
	if cfg.URL == "" {
		logger.Info("database is not configured: audit events go to the log only")
		return nil, nil
	}

	repo, err := postgres.NewRepo(cfg.URL, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}
	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	if err := repo.EnsureSchema(pingCtx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

// newAuth: без публичного ключа API работает без аутентификации, без закрытого не выдает токены.
func newAuth(cfg infra.AuthConfig) (auth.TokenValidator, *rsa.PrivateKey, error) {
	var (
		validator  auth.TokenValidator
		privateKey *rsa.PrivateKey
	)
	if len(cfg.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		validator = auth.NewBaseValidator(pub)
	}
	if len(cfg.PrivateKey) > 0 {
		key, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		privateKey = key
	}
	return validator, privateKey, nil
}
