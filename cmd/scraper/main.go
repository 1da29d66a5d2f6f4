package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadhunter/internal/api"
	"leadhunter/internal/config"
	"leadhunter/internal/model"
	"leadhunter/internal/pkg/logger"
	"leadhunter/internal/pkg/notify"
	"leadhunter/internal/pkg/queue"
	"leadhunter/internal/retryqueue"
	"leadhunter/internal/scraper"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 是抓取服务的入口函数。
//
// 它负责：
// 1. 加载配置、初始化日志
// 2. 连接 MySQL 与 Redis，迁移表结构
// 3. 启动告警投递队列与抓取服务
// 4. 启动运维 API 与 Metrics 服务
// 5. 执行（或恢复）campaign，然后优雅关闭
func main() {
	var (
		query   = flag.String("query", "", "search keyword, e.g. \"plumber\"")
		region  = flag.String("region", "", "search region, e.g. \"Osaka\"")
		resume  = flag.String("resume", "", "session id of a campaign to resume (drains its retry queue)")
		cfgPath = flag.String("config", "", "optional path to config.json")
	)
	flag.Parse()

	if *resume == "" && *query == "" {
		log.Fatal("either -query or -resume is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := db.AutoMigrate(&model.Campaign{}, &model.Business{}); err != nil {
		appLogger.Error("migrate models failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := retryqueue.Migrate(db); err != nil {
		appLogger.Error("migrate retry queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cancelPing()

	// 告警走异步旁路，邮件发送慢也不会拖住抓取循环
	alertJobs := queue.NewQueue(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	alertJobs.Start(ctx)
	notifier := notify.NewAsyncNotifier(notify.NewEmailNotifier(&cfg.Email, appLogger), alertJobs, appLogger)

	service, err := scraper.NewService(ctx, cfg, appLogger, db, rdb, notifier)
	if err != nil {
		appLogger.Error("init scraper service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg, appLogger, db, rdb, service, alertJobs)
	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("api server run failed", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	campaignDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in campaign", slog.Any("panic", r))
				campaignDone <- errors.New("campaign panicked")
			}
		}()

		var runErr error
		if *resume != "" {
			_, runErr = service.ResumeCampaign(ctx, *resume)
		} else {
			_, runErr = service.RunCampaign(ctx, *query, *region)
		}
		campaignDone <- runErr
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("received shutdown signal")
		service.StopSession()
		// 给正在处理的批次留出退出时间
		select {
		case err := <-campaignDone:
			if err != nil && !errors.Is(err, scraper.ErrSessionStopped) && !errors.Is(err, context.Canceled) {
				appLogger.Error("campaign aborted", slog.String("error", err.Error()))
			}
		case <-time.After(30 * time.Second):
			appLogger.Warn("campaign did not stop in time")
		}
	case err := <-campaignDone:
		if err != nil && !errors.Is(err, scraper.ErrSessionStopped) {
			appLogger.Error("campaign failed", slog.String("error", err.Error()))
		} else {
			appLogger.Info("campaign finished")
		}
	}

	appLogger.Info("shutting down scraper service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("api shutdown error", slog.String("error", err.Error()))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("scraper shutdown error", slog.String("error", err.Error()))
	}
	if err := alertJobs.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("alert queue shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("scraper service stopped gracefully")
}
