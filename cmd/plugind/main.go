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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"orbishost/internal/common/cache"
	"orbishost/internal/common/mq"
	"orbishost/internal/common/storage"
	"orbishost/internal/plugin/artifact"
	"orbishost/internal/plugin/controller"
	"orbishost/internal/plugin/manifest"
	"orbishost/internal/plugin/process"
	"orbishost/internal/plugin/repository"
	"orbishost/pkg/utils/logger"
)

const defaultConfigPath = "configs/plugind.yaml"

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
	ctx := context.Background()

	var states *repository.StateRepository
	var contexts repository.ContextStore
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(appCfg.cacheConfig())
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		states = repository.NewStateRepository(redisCache, appCfg.Plugins.StateTTL)
		contexts = repository.NewRedisContextStore(redisCache)
	} else {
		logger.Warn(ctx, "redis not configured, plugin state is in-memory only")
		contexts = repository.NewMemoryContextStore()
	}

	var events repository.EventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.kafkaConfig())
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		events = repository.NewMQEventPublisher(producer, appCfg.Kafka.Topic)
	}

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
	}
	fetcher, err := artifact.NewFetcher(objStorage, appCfg.fetcherConfig())
	if err != nil {
		logger.Error(ctx, "init artifact fetcher failed", zap.Error(err))
		return
	}

	manager, err := process.NewManager(process.ManagerConfig{
		Process:     appCfg.Process,
		IPC:         appCfg.IPC,
		HostVersion: appCfg.HostVersion,
		CgroupRoot:  appCfg.Sandbox.CgroupRoot,
		Trusted:     appCfg.Plugins.Trusted,
		States:      states,
		Events:      events,
		Contexts:    contexts,
		Fetcher:     fetcher,
	})
	if err != nil {
		logger.Error(ctx, "init process manager failed", zap.Error(err))
		return
	}

	registerPlugins(ctx, manager, appCfg)

	httpServer := buildHTTPServer(appCfg, manager)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "plugin host started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	manager.StopAll(timeoutCtx)
}

// registerPlugins scans the manifest directory and registers every
// plugin it finds. One broken plugin does not keep the host down; it
// is logged and skipped.
func registerPlugins(ctx context.Context, manager *process.Manager, appCfg *AppConfig) {
	if _, err := os.Stat(appCfg.Plugins.ManifestDir); err != nil {
		logger.Warn(ctx, "manifest directory unavailable, starting with no plugins",
			zap.String("dir", appCfg.Plugins.ManifestDir), zap.Error(err))
		return
	}
	manifests, err := manifest.LoadDir(appCfg.Plugins.ManifestDir)
	if err != nil {
		logger.Error(ctx, "scan manifest directory failed",
			zap.String("dir", appCfg.Plugins.ManifestDir), zap.Error(err))
		return
	}

	for _, mf := range manifests {
		if err := manager.Initialize(ctx, mf, ""); err != nil {
			logger.Error(ctx, "register plugin failed",
				zap.String("plugin", mf.Name), zap.Error(err))
			continue
		}
		if !appCfg.Plugins.AutoStart {
			continue
		}
		if err := manager.Start(ctx, mf.Name); err != nil {
			logger.Error(ctx, "start plugin failed",
				zap.String("plugin", mf.Name), zap.Error(err))
		}
	}
}

func buildHTTPServer(appCfg *AppConfig, manager *process.Manager) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	pc := controller.NewPluginController(manager)
	controller.RegisterRoutes(router, pc, appCfg.Auth)

	return &http.Server{
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), "http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
