package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/api"
	"github.com/MorseWayne/tyre_ledger/internal/cache"
	"github.com/MorseWayne/tyre_ledger/internal/config"
	"github.com/MorseWayne/tyre_ledger/internal/database"
	"github.com/MorseWayne/tyre_ledger/internal/events"
	"github.com/MorseWayne/tyre_ledger/internal/limiter"
	"github.com/MorseWayne/tyre_ledger/internal/logger"
	mw "github.com/MorseWayne/tyre_ledger/internal/middleware"
	"github.com/MorseWayne/tyre_ledger/internal/mq"
	"github.com/MorseWayne/tyre_ledger/internal/repo"
	"github.com/MorseWayne/tyre_ledger/internal/resp"
	"github.com/MorseWayne/tyre_ledger/internal/service"
)

// AppDependencies 包含应用的所有依赖
type AppDependencies struct {
	LedgerService service.LedgerService
	LedgerHandler *api.LedgerHandler
	Cache         cache.Cache
	Limiter       limiter.Limiter

	// 后台任务，随根 ctx 取消而退出
	background []func(ctx context.Context)
	closers    []func()
}

// initConfigAndLogger 初始化配置和日志器
func initConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, cfg.App.Name, cfg.App.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %v", err)
	}

	return cfg, lg, nil
}

// initDatabase 初始化数据库连接并执行迁移
func initDatabase(cfg *config.Config, lg *zap.Logger) (*database.DB, error) {
	db, err := database.New(cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %v", err)
	}

	// 在 HTTP 服务器启动前完成迁移
	migrationsDir := cfg.Migrations.Dir
	lg.Sugar().Infow("using migrations directory", "path", migrationsDir)

	if err := db.RunMigrations(migrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %v", err)
	}

	return db, nil
}

// initCache 初始化缓存实例
func initCache(cfg *config.Config, lg *zap.Logger) cache.Cache {
	if !cfg.Cache.Enabled {
		lg.Sugar().Infow("cache disabled")
		return cache.NewNullCache()
	}

	switch cfg.Cache.Type {
	case "redis":
		redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		redisCache, err := cache.NewRedisCache(redisAddr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			lg.Sugar().Warnw("failed to connect to Redis, falling back to memory cache", "error", err)
			return cache.NewMemoryCache()
		}
		lg.Sugar().Infow("cache enabled", "type", "redis", "addr", redisAddr, "ttl", cfg.Cache.TTL)
		return redisCache
	case "memory":
		lg.Sugar().Infow("cache enabled", "type", "memory", "ttl", cfg.Cache.TTL)
	default:
		lg.Sugar().Warnw("unknown cache type, using memory cache", "type", cfg.Cache.Type)
	}
	return cache.NewMemoryCache()
}

// initLimiter 初始化写接口限流器：Redis 缓存可用时多实例共享令牌桶，否则使用进程内令牌桶
func initLimiter(cfg *config.Config, cacheInstance cache.Cache, lg *zap.Logger) limiter.Limiter {
	if !cfg.RateLimit.Enabled {
		lg.Sugar().Infow("rate limit disabled")
		return nil
	}

	lcfg := &limiter.Config{
		Rate:      int64(cfg.RateLimit.Rate),
		Window:    cfg.RateLimit.Window,
		Burst:     int64(cfg.RateLimit.Burst),
		KeyPrefix: "limiter:ledger",
	}
	if rc, ok := cacheInstance.(*cache.RedisCache); ok {
		l, err := limiter.NewTokenBucketLimiter(rc.Client(), lcfg)
		if err == nil {
			lg.Sugar().Infow("rate limit enabled", "type", "redis", "rate", lcfg.Rate, "burst", lcfg.Burst)
			return l
		}
		lg.Sugar().Warnw("failed to init redis limiter, falling back to memory limiter", "error", err)
	}

	l, err := limiter.NewMemoryLimiter(lcfg)
	if err != nil {
		lg.Sugar().Warnw("invalid rate limit config, rate limit disabled", "error", err)
		return nil
	}
	lg.Sugar().Infow("rate limit enabled", "type", "memory", "rate", lcfg.Rate, "burst", lcfg.Burst)
	return l
}

// initMovementSpool 选择流水补偿队列：启用 RabbitMQ 时使用持久化队列，否则（或连接失败时）使用内存队列
func initMovementSpool(ctx context.Context, cfg *config.Config, movementRepo repo.MovementRepository, deps *AppDependencies, lg *zap.Logger) service.MovementSpool {
	if cfg.RabbitMQ.Enabled {
		spool, err := initRabbitSpool(ctx, cfg, movementRepo, deps, lg)
		if err == nil {
			return spool
		}
		lg.Sugar().Warnw("failed to init RabbitMQ spool, falling back to memory spool", "error", err)
	}

	spool := service.NewMemorySpool(movementRepo, cfg.Ledger.MovementSpoolSize, cfg.Ledger.MovementRetryInterval, lg)
	deps.background = append(deps.background, spool.Run)
	lg.Sugar().Infow("movement spool enabled", "type", "memory", "size", cfg.Ledger.MovementSpoolSize)
	return spool
}

func initRabbitSpool(ctx context.Context, cfg *config.Config, movementRepo repo.MovementRepository, deps *AppDependencies, lg *zap.Logger) (service.MovementSpool, error) {
	mqCfg := mq.FromAppConfig(cfg.RabbitMQ)
	if err := mqCfg.Validate(); err != nil {
		return nil, err
	}

	cm := mq.NewConnectionManager(mqCfg, lg)
	connectCtx, cancel := context.WithTimeout(ctx, mqCfg.ConnectionTimeout)
	defer cancel()
	if err := cm.Connect(connectCtx); err != nil {
		return nil, err
	}
	if err := mq.DeclareMovementQueues(cm, mqCfg); err != nil {
		_ = cm.Close()
		return nil, err
	}

	producer := mq.NewProducer(cm, mqCfg.Producer, lg)
	consumer := mq.NewConsumer(cm, mqCfg.Consumer, mq.NewMovementConsumer(movementRepo, lg).Handle, lg)

	deps.background = append(deps.background, func(ctx context.Context) {
		// 重连后通道全部失效，重新声明队列并重启消费
		cm.OnReconnected(func() {
			if err := mq.DeclareMovementQueues(cm, mqCfg); err != nil {
				lg.Sugar().Errorw("failed to redeclare movement queues", "error", err)
				return
			}
			consumer.StopConsuming()
			if err := consumer.StartConsuming(ctx, mqCfg.Queue); err != nil {
				lg.Sugar().Errorw("failed to restart movement consumer", "error", err)
			}
		})
		if err := consumer.StartConsuming(ctx, mqCfg.Queue); err != nil {
			lg.Sugar().Errorw("failed to start movement consumer", "error", err)
			return
		}
		<-ctx.Done()
		consumer.StopConsuming()
	})
	deps.closers = append(deps.closers, func() {
		_ = producer.Close()
		_ = cm.Close()
	})

	lg.Sugar().Infow("movement spool enabled", "type", "rabbitmq", "queue", mqCfg.Queue)
	return mq.NewMovementSpool(producer, mqCfg.Queue), nil
}

// initDependencies 初始化应用依赖（仓储、服务、处理器）
func initDependencies(ctx context.Context, cfg *config.Config, db *database.DB, cacheInstance cache.Cache, lg *zap.Logger) *AppDependencies {
	deps := &AppDependencies{Cache: cacheInstance, Limiter: initLimiter(cfg, cacheInstance, lg)}

	// 依赖注入链：仓储 -> 服务 -> API处理器
	inventoryRepo := repo.NewInventoryRepository(db.DB)
	movementRepo := repo.NewMovementRepository(db.DB)
	orderRepo := repo.NewOrderRepository(db.DB)

	// 商品元数据（可售标签）变化少，走缓存装饰器；台账本身不缓存
	var productRepo repo.ProductRepository = repo.NewProductRepository(db.DB)
	if cfg.Cache.Enabled {
		productRepo = repo.NewCachedProductRepository(productRepo, cacheInstance, cfg.Cache.TTL, lg)
	}

	spool := initMovementSpool(ctx, cfg, movementRepo, deps, lg)
	recorder := service.NewMovementRecorder(movementRepo, spool, cfg.Ledger.MovementRetryAttempts, cfg.Ledger.MovementRetryInterval, lg)

	deps.LedgerService = service.NewLedgerService(inventoryRepo, productRepo, orderRepo, movementRepo, recorder, &service.LedgerServiceConfig{
		MaxCASRetries:   cfg.Ledger.MaxCASRetries,
		CASRetryBackoff: cfg.Ledger.CASRetryBackoff,
	}, lg)
	deps.LedgerHandler = api.NewLedgerHandler(deps.LedgerService, lg)

	if cfg.Kafka.Enabled {
		consumer := events.NewOrderConsumer(events.NewKafkaReader(cfg.Kafka), deps.LedgerService, cacheInstance, cfg.Idempotency.TTL, lg)
		deps.background = append(deps.background, func(ctx context.Context) {
			if err := consumer.Run(ctx); err != nil {
				lg.Sugar().Errorw("order event consumer stopped", "error", err)
			}
		})
	}

	return deps
}

// setupRoutes 设置路由和中间件
func setupRoutes(cfg *config.Config, deps *AppDependencies, lg *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		reqID := mw.RequestIDFromContext(r.Context())
		data := map[string]any{
			"status":  "ok",
			"version": cfg.App.Version,
		}
		resp.OK(w, &data, reqID, "")
	})

	idempotent := mw.Idempotency(deps.Cache, &mw.IdempotencyConfig{
		KeyHeader:   mw.HeaderIdempotencyKey,
		SkipMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		CacheTTL:    cfg.Idempotency.TTL,
		LockTTL:     cfg.App.RequestTimeout + 5*time.Second,
	}, lg)
	guard := idempotent
	if deps.Limiter != nil {
		rateLimit := limiter.Middleware(deps.Limiter, limiter.ActorOrIPKey, lg)
		guard = func(next http.Handler) http.Handler {
			return mw.Chain(next, rateLimit, idempotent)
		}
	}
	deps.LedgerHandler.Register(mux, guard)

	// 请求进入时执行顺序为 access log → CORS → timeout → recovery → request ID → actor ID
	return mw.Chain(mux,
		mw.AccessLog(lg),
		mw.CORS(cfg.CORS),
		mw.Timeout(cfg.App.RequestTimeout),
		mw.Recovery(lg),
		mw.RequestID,
		mw.ActorID,
	)
}

// startServer 启动服务器，ctx 取消后优雅关闭
func startServer(ctx context.Context, cfg *config.Config, handler http.Handler, lg *zap.Logger) {
	addr := fmt.Sprintf(":%d", cfg.App.Port)
	lg.Sugar().Infow("server starting", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Sugar().Errorw("server error", "err", err)
		}
	case <-ctx.Done():
		lg.Sugar().Infow("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Sugar().Errorw("server shutdown error", "err", err)
	}
	lg.Sugar().Infow("server exited")
}

// main 为应用入口，协调各个组件的初始化和启动
func main() {
	// 1) 加载配置和初始化日志
	cfg, lg, err := initConfigAndLogger()
	if err != nil {
		log.Fatalf("failed to initialize config and logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) 初始化数据库连接并执行迁移
	db, err := initDatabase(cfg, lg)
	if err != nil {
		lg.Sugar().Fatalw("failed to initialize database", "err", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			lg.Sugar().Errorw("failed to close database connection", "err", err)
		}
	}()

	// 3) 初始化缓存
	cacheInstance := initCache(cfg, lg)
	defer func() { _ = cacheInstance.Close() }()

	// 4) 初始化应用依赖并启动后台任务（流水补偿、订单事件消费）
	deps := initDependencies(ctx, cfg, db, cacheInstance, lg)
	bgCtx, cancelBackground := context.WithCancel(ctx)
	done := make(chan struct{}, len(deps.background))
	for _, run := range deps.background {
		go func(run func(context.Context)) {
			defer func() { done <- struct{}{} }()
			run(bgCtx)
		}(run)
	}

	// 5) 设置路由和中间件
	handler := setupRoutes(cfg, deps, lg)

	// 6) 启动 HTTP 服务器，阻塞到收到退出信号
	startServer(ctx, cfg, handler, lg)

	cancelBackground()
	for range deps.background {
		<-done
	}
	for _, closeFn := range deps.closers {
		closeFn()
	}
}
