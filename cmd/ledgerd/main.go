package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/govledger/internal/alerts"
	"github.com/jmerrifield20/govledger/internal/api/handler"
	"github.com/jmerrifield20/govledger/internal/auditledger"
	"github.com/jmerrifield20/govledger/internal/checkpoint"
	"github.com/jmerrifield20/govledger/internal/governance"
	"github.com/jmerrifield20/govledger/internal/grpcapi"
	"github.com/jmerrifield20/govledger/internal/integrity"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grpc_port", 9090)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 50)
	viper.SetDefault("database.url", "")
	viper.SetDefault("ledger.digest", auditledger.DigestSHA256)
	viper.SetDefault("ledger.store_timeout", "5s")
	viper.SetDefault("ledger.append_attempts", auditledger.DefaultRetryPolicy.Attempts)
	viper.SetDefault("ledger.retry_base_delay", auditledger.DefaultRetryPolicy.BaseDelay.String())
	viper.SetDefault("ledger.retry_max_delay", auditledger.DefaultRetryPolicy.MaxDelay.String())
	viper.SetDefault("policy.file", "")
	viper.SetDefault("policy.rego_dir", "")
	viper.SetDefault("checkpoint.secret", "")
	viper.SetDefault("checkpoint.issuer", "govledger")
	viper.SetDefault("checkpoint.ttl", "24h")
	viper.SetDefault("integrity.interval", "10m")
	viper.SetDefault("alerts.webhook_urls", []string{})
	viper.SetDefault("alerts.secret", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	var store auditledger.Store
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = auditledger.NewPostgresStore(db, logger)
	} else {
		logger.Warn("database.url not set: using in-memory store, chains are lost on exit")
		store = auditledger.NewMemoryStore()
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	digest, err := auditledger.DigestByName(viper.GetString("ledger.digest"))
	if err != nil {
		return fmt.Errorf("ledger.digest: %w", err)
	}
	ledger, err := auditledger.New(store, logger,
		auditledger.WithDigest(digest),
		auditledger.WithStoreTimeout(viper.GetDuration("ledger.store_timeout")),
		auditledger.WithRetryPolicy(auditledger.RetryPolicy{
			Attempts:  viper.GetInt("ledger.append_attempts"),
			BaseDelay: viper.GetDuration("ledger.retry_base_delay"),
			MaxDelay:  viper.GetDuration("ledger.retry_max_delay"),
		}),
	)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	logger.Info("audit ledger ready", zap.String("digest", digest.Name()))

	feed := auditledger.NewFeed(64)
	ledger.OnAppend(feed.Publish)
	ledger.OnAppend(handler.CountLedgerAppend)

	// ── Alerts ───────────────────────────────────────────────────────────────
	notifier := alerts.NewNotifier(
		viper.GetStringSlice("alerts.webhook_urls"),
		viper.GetString("alerts.secret"),
		logger,
	)
	notifier.SetMetricsRecorder(handler.RecordAlertDelivery)
	if notifier.Enabled() {
		logger.Info("alert webhooks configured", zap.Int("targets", len(viper.GetStringSlice("alerts.webhook_urls"))))
	}

	// ── Governance ───────────────────────────────────────────────────────────
	policy, err := loadPolicy(ctx, logger)
	if err != nil {
		return err
	}
	recorder := governance.NewRecorder(ledger, "", "", policy, logger)
	recorder.OnBlocked(func(scope string, blocked *governance.BlockedOperationError) {
		if !notifier.Enabled() {
			return
		}
		payload := map[string]string{
			"scope":    scope,
			"tool":     blocked.Tool,
			"rule":     blocked.Rule,
			"reason":   blocked.Reason,
			"recorded": strconv.FormatBool(blocked.Entry != nil),
		}
		if blocked.Entry != nil {
			payload["agentId"] = blocked.Entry.AgentID
			payload["index"] = strconv.FormatInt(blocked.Entry.Index, 10)
			payload["hash"] = blocked.Entry.Hash
		}
		notifier.Dispatch(ctx, alerts.EventToolCallBlocked, payload)
	})

	// ── Integrity auditor ────────────────────────────────────────────────────
	auditor := integrity.New(ledger, integrity.Config{
		Interval: viper.GetDuration("integrity.interval"),
	}, logger)
	auditor.SetMetricsRecord(handler.SetChainValid)
	if notifier.Enabled() {
		auditor.SetAlertDispatch(notifier.Dispatch)
	}
	for _, r := range auditor.CheckAll(ctx) {
		logger.Info("chain verified at startup",
			zap.String("scope", r.Scope),
			zap.Bool("valid", r.Valid),
			zap.Int("entries", r.Length),
		)
	}
	go auditor.Start(ctx)

	// ── Handlers ─────────────────────────────────────────────────────────────
	ledgerHandler := handler.NewLedgerHandler(ledger, logger)
	ledgerHandler.SetFeed(feed)
	if secret := viper.GetString("checkpoint.secret"); secret != "" {
		signer, err := checkpoint.NewSigner([]byte(secret),
			viper.GetString("checkpoint.issuer"),
			viper.GetDuration("checkpoint.ttl"),
		)
		if err != nil {
			return fmt.Errorf("checkpoint signer: %w", err)
		}
		ledgerHandler.SetSigner(signer)
		logger.Info("signed checkpoints enabled", zap.Duration("ttl", signer.TTL()))
	}
	governanceHandler := handler.NewGovernanceHandler(recorder, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(8 << 20))

	if rps := viper.GetFloat64("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, int(rps*2)))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		broken := auditor.Broken()
		if len(broken) > 0 {
			c.JSON(http.StatusOK, gin.H{"status": "degraded", "broken_scopes": broken})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	ledgerHandler.Register(v1)
	governanceHandler.Register(v1)

	// ── gRPC ─────────────────────────────────────────────────────────────────
	var grpcServer *grpc.Server
	if grpcPort := viper.GetInt("server.grpc_port"); grpcPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
		}

		grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(grpcapi.LoggingInterceptor(logger)))
		grpcapi.Register(grpcServer, grpcapi.New(ledger, logger))

		healthSvc := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
		healthSvc.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)

		go func() {
			logger.Info("ledgerd gRPC listening", zap.Int("port", grpcPort))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Fatal("gRPC serve error", zap.Error(err))
			}
		}()
	}

	// ── Serve ────────────────────────────────────────────────────────────────
	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	cancel() // stops the auditor, rate-limit sweeper and open streams

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	notifier.Wait()

	logger.Info("ledgerd stopped")
	return nil
}

// loadPolicy picks the tool-call policy: a Rego bundle, a YAML rule table,
// or the built-in defaults, in that order.
func loadPolicy(ctx context.Context, logger *zap.Logger) (governance.Policy, error) {
	if dir := viper.GetString("policy.rego_dir"); dir != "" {
		p, err := governance.LoadRegoPolicy(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("load rego policy: %w", err)
		}
		logger.Info("governance policy: rego", zap.String("dir", dir))
		return p, nil
	}
	if file := viper.GetString("policy.file"); file != "" {
		t, err := governance.LoadRuleTable(file)
		if err != nil {
			return nil, fmt.Errorf("load rule table: %w", err)
		}
		logger.Info("governance policy: rule table",
			zap.String("file", file),
			zap.Int("high_risk_rules", len(t.HighRisk)),
		)
		return t, nil
	}
	logger.Info("governance policy: built-in defaults")
	return governance.DefaultRuleTable(), nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
