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

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/handler"
	"paysettle/internal/infrastructure/cache"
	"paysettle/internal/infrastructure/database"
	"paysettle/internal/infrastructure/gateway"
	"paysettle/internal/infrastructure/mq"
	"paysettle/internal/infrastructure/tracing"
	"paysettle/internal/job"
	"paysettle/internal/ratelimit"
	"paysettle/internal/service"
	"paysettle/pkg/idgen"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const serviceName = "paysettle"

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	if cfg.Security.WebhookSecret == "" {
		log.Warn().Msg("未配置 webhook_secret，所有支付验签都会失败")
	}

	// 初始化 ID 生成器
	idgen.Init(cfg.Server.WorkerID)

	shutdownTracer, err := tracing.InitTracerProvider(serviceName, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("数据库迁移失败")
	}

	// 初始化 Redis（可选）
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	publisher, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("创建 Kafka 生产者失败")
	}
	defer publisher.Close()

	sink := audit.NewGormSink(db)
	settlement := service.NewSettlement(db, service.NewLoyaltyService(db), service.NewOutboxNotifier(db, cfg), sink)
	gatewayClient := gateway.NewClient(&cfg.Gateway)
	log.Info().Stringer("gateway", gatewayClient).Msg("支付网关客户端已创建")

	router := handler.SetupRouter(handler.NewHandler(db, redisClient, cfg, gatewayClient, settlement, sink))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 创建上下文（用于优雅关闭）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// 启动后台任务
	jobs := []interface {
		Start(context.Context)
		Stop()
	}{
		job.NewOutboxSender(db, cfg, publisher),
		job.NewReconcileJob(db, settlement),
		job.NewIntentExpiryJob(db, cfg, settlement),
		job.NewRateLimitPruneJob(ratelimit.NewTracker(db), cfg),
	}
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			j.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("正在关闭服务...")

		// 先停后台任务
		for _, j := range jobs {
			j.Stop()
		}

		// 关闭 HTTP 服务（等待最多5秒）
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("服务关闭异常")
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("关闭链路追踪失败")
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("服务异常退出")
	}
	log.Info().Msg("服务已关闭")
}
