package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/db"
	"judgeline/internal/common/health"
	commonmw "judgeline/internal/common/http/middleware"
	"judgeline/internal/common/mq"
	"judgeline/internal/common/storage"
	problemRepo "judgeline/internal/problem/repository"
	"judgeline/internal/submit/controller"
	submitRepo "judgeline/internal/submit/repository"
	"judgeline/internal/submit/service"
	"judgeline/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	defaultConfigPath = "configs/submit_service.yaml"
	healthServiceName = "judgeline.submit"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" && appCfg.Submit.ArchiveBucket != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), appCfg.Submit.Timeouts.Storage)
		err = minioStorage.EnsureBucket(ctx, appCfg.Submit.ArchiveBucket)
		cancel()
		if err != nil {
			logger.Error(context.Background(), "ensure archive bucket failed", zap.Error(err))
			return
		}
		objStorage = minioStorage
	} else {
		logger.Warn(context.Background(), "source archiving disabled")
	}

	submissions := submitRepo.NewSubmissionRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submit.SubmissionCacheTTL, appCfg.Submit.SubmissionEmptyTTL)
	results := submitRepo.NewTestCaseResultRepository(mysqlDB)
	problems := problemRepo.NewProblemRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submit.ProblemCacheTTL, appCfg.Submit.ProblemEmptyTTL).
		WithLocalCache(appCfg.Submit.ProblemLocalSize, appCfg.Submit.ProblemLocalTTL)

	submitService, err := service.NewSubmitService(service.Config{
		DB:             mysqlDB,
		SubmissionRepo: submissions,
		ResultRepo:     results,
		ProblemRepo:    problems,
		MQ:             mqClient,
		Cache:          redisCache,
		Storage:        objStorage,
		Topics:         appCfg.Topics,
		ArchiveBucket:  appCfg.Submit.ArchiveBucket,
		MaxCodeBytes:   appCfg.Submit.MaxCodeBytes,
		IdempotencyTTL: appCfg.Submit.IdempotencyTTL,
		RateLimit:      appCfg.Submit.RateLimit,
		Timeouts:       appCfg.Submit.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init submit service failed", zap.Error(err))
		return
	}

	resultService, err := service.NewResultService(service.ResultConfig{
		DB:             mysqlDB,
		SubmissionRepo: submissions,
		ResultRepo:     results,
		ProblemRepo:    problems,
		Topics:         appCfg.Topics,
		Timeouts:       appCfg.Submit.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init result service failed", zap.Error(err))
		return
	}
	if err := resultService.Subscribe(context.Background(), mqClient, appCfg.Consumer.toSubscribeOptions()); err != nil {
		logger.Error(context.Background(), "subscribe result topic failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	authenticator, err := commonmw.NewAuthenticator(appCfg.Auth, redisCache)
	if err != nil {
		logger.Error(context.Background(), "init authenticator failed", zap.Error(err))
		return
	}

	checker := health.NewChecker(appCfg.Health, healthServiceName)
	checker.Add("mysql", mysqlDB)
	checker.Add("redis", redisCache)
	checker.Add("kafka", mqClient)
	probeCtx, stopProbe := context.WithCancel(context.Background())
	defer stopProbe()
	checker.Start(probeCtx)

	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)
	grpcListener, err := net.Listen("tcp", appCfg.Health.Addr)
	if err != nil {
		logger.Error(context.Background(), "init grpc listener failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, submitService, authenticator)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(context.Background(), "submit http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()
	go func() {
		logger.Info(context.Background(), "submit health server started", zap.String("addr", appCfg.Health.Addr))
		errCh <- grpcServer.Serve(grpcListener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	checker.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
	grpcServer.GracefulStop()
}

func buildHTTPServer(cfg ServerConfig, submitService *service.SubmitService, authenticator *commonmw.Authenticator) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(requestLogger())

	controller.NewSubmitController(submitService).RegisterRoutes(router.Group("/api/v1"), commonmw.Auth(authenticator))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
