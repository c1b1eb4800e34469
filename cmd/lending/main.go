package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/merchantcap/lending/internal/lending/application"
	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/merchantcap/lending/internal/lending/infrastructure/messaging"
	"github.com/merchantcap/lending/internal/lending/infrastructure/persistence/mysql"
	lendingredis "github.com/merchantcap/lending/internal/lending/infrastructure/persistence/redis"
	lendinghttp "github.com/merchantcap/lending/internal/lending/interfaces/http"
	"github.com/merchantcap/lending/pkg/cache"
	"github.com/merchantcap/lending/pkg/config"
	"github.com/merchantcap/lending/pkg/db"
	"github.com/merchantcap/lending/pkg/logger"
	"github.com/merchantcap/lending/pkg/metrics"
	"github.com/merchantcap/lending/pkg/middleware"
	"github.com/merchantcap/lending/pkg/mq"
	"github.com/merchantcap/lending/pkg/ratelimit"
	"github.com/merchantcap/lending/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/lending/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log := logger.Get()
	log.Info("starting lending service", "version", cfg.Version, "environment", cfg.Environment)

	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		logger.Fatal(ctx, "failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// 数据库可能比服务晚就绪，启动时重试几次再放弃
	var database *db.DB
	if err := utils.Retry(5, 2*time.Second, func() error {
		var dbErr error
		database, dbErr = db.Init(db.Config{
			Driver:             cfg.Database.Driver,
			DSN:                cfg.Database.DSN,
			MaxOpenConns:       cfg.Database.MaxOpenConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
			LogEnabled:         cfg.Database.LogEnabled,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
			QueryObserver:      m.DBQueryDuration.Observe,
		})
		return dbErr
	}); err != nil {
		logger.Fatal(ctx, "failed to init database", "error", err)
	}
	defer database.Close()

	// 开发环境自动建表，生产环境走迁移脚本
	if cfg.Environment == "dev" {
		if err := database.AutoMigrate(
			&domain.Loan{},
			&domain.ScheduleItem{},
			&domain.LedgerEntry{},
			&messaging.OutboxMessage{},
		); err != nil {
			logger.Fatal(ctx, "failed to auto-migrate schema", "error", err)
		}
	}

	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to connect to redis", "error", err)
	}
	defer redisCache.Close()

	producer, err := mq.NewProducer(mq.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		GroupID:      cfg.Kafka.GroupID,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to create kafka producer", "error", err)
	}
	defer producer.Close()

	loanRepo := mysql.NewLoanRepository(database.DB)
	ledgerRepo := mysql.NewLedgerRepository(database.DB)

	// 活跃贷款数是增减式指标，重启后从库里找回基线
	if n, err := loanRepo.CountByStatus(ctx, domain.LoanStatusActive); err != nil {
		log.Warn("failed to seed active loans gauge", "error", err)
	} else {
		m.LoansActive.Set(float64(n))
	}
	loanCache := lendingredis.NewLoanCache(redisCache, time.Duration(cfg.Lending.LoanCacheTTL)*time.Second)
	publisher := messaging.NewOutboxPublisher()

	commands := application.NewLoanCommandService(
		database.DB, loanRepo, ledgerRepo, publisher, loanCache,
		cfg.Lending.ActivationGraceDays, log, m,
	)
	queries := application.NewLoanQueryService(loanRepo, ledgerRepo, loanCache, log)
	liquidation := application.NewLiquidationService(
		database.DB, loanRepo, ledgerRepo, publisher, loanCache, log, m,
	)

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.GinLogging(), middleware.GinRecovery(), middleware.GinMetrics(m))
	if cfg.HTTP.RateLimitEnabled {
		limiter := ratelimit.NewRedisRateLimiter(redisCache.Client())
		engine.Use(middleware.RateLimit(limiter, middleware.RateLimitConfig{
			Enabled: true,
			QPS:     cfg.HTTP.RateLimitQPS,
			Burst:   cfg.HTTP.RateLimitBurst,
		}))
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})

	handler := lendinghttp.NewHandler(commands, queries, liquidation)
	handler.RegisterRoutes(engine.Group("/api/lending"))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	relay := messaging.NewOutboxRelay(
		database.DB, producer, cfg.Kafka.EventTopic,
		time.Duration(cfg.Lending.OutboxPollInterval)*time.Second,
		cfg.Lending.OutboxBatchSize, log, m,
	)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox relay: %w", err)
		}
		return nil
	})

	// 逾期扫描，每小时把过期未还的分期置为 OVERDUE
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := commands.MarkOverdueInstallments(gctx, time.Now()); err != nil {
					log.Error("overdue sweep failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		log.Info("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(ctx, "service exited with error", "error", err)
	}
	log.Info("lending service stopped")
}
