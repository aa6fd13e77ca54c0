package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"review-radar/internal/analysis"
	"review-radar/internal/api"
	"review-radar/internal/ingest"
	"review-radar/internal/logging"
	"review-radar/internal/notifier"
	"review-radar/internal/orchestrator"
	"review-radar/internal/provider"
	"review-radar/internal/scheduler"
	"review-radar/internal/storage"
	"review-radar/internal/subscription"
)

// AppConfig 应用配置。
type AppConfig struct {
	Server       ServerConfig         `yaml:"server"`
	Database     DatabaseConfig       `yaml:"database"`
	Log          LogConfig            `yaml:"log"`
	Provider     provider.Config      `yaml:"provider"`
	Webhook      ingest.Config        `yaml:"webhook"`
	Sync         orchestrator.Config  `yaml:"sync"`
	Analysis     analysis.Config      `yaml:"analysis"`
	Scheduler    scheduler.Config     `yaml:"scheduler"`
	Email        notifier.EmailConfig `yaml:"email"`
	Subscription subscription.Config  `yaml:"subscription"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type syncScheduler interface {
	Start(ctx context.Context) error
	Tick(ctx context.Context, now time.Time) (int, error)
}

type appDeps struct {
	sched   syncScheduler
	handler http.Handler
	logger  *zap.Logger
	addr    string
}

func main() {
	_ = godotenv.Load()

	once := flag.Bool("once", false, "run a single scheduling pass and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("load config error: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		fired, err := runOnceManual(ctx, cfg, buildDeps)
		if err != nil {
			log.Printf("manual scheduling pass failed: %v", err)
			return
		}
		log.Printf("manual scheduling pass fired %d syncs", fired)
		return
	}

	deps, cleanup, err := buildDeps(cfg)
	if err != nil {
		log.Printf("init failed: %v", err)
		return
	}
	defer cleanup()

	srv := &http.Server{Addr: deps.addr, Handler: deps.handler}
	deps.logger.Info("listening", zap.String("addr", deps.addr))
	if err := runServer(ctx, srv, deps.sched, deps.logger, 5*time.Second); err != nil {
		deps.logger.Error("server error", zap.Error(err))
	}
}

// runServer 启动调度循环与 HTTP 服务，收到取消信号后优雅关闭。
func runServer(ctx context.Context, srv httpServer, sched syncScheduler, logger *zap.Logger, shutdownTimeout time.Duration) error {
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runOnceManual 构建依赖后执行一轮调度，用于运维手动触发。
func runOnceManual(ctx context.Context, cfg AppConfig, build func(AppConfig) (appDeps, func(), error)) (int, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	return deps.sched.Tick(ctx, time.Now())
}

func buildDeps(cfg AppConfig) (appDeps, func(), error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "review-radar")
	if err != nil {
		return appDeps{}, nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "reviews.db"
	}

	store, err := storage.NewStore(dbPath)
	if err != nil {
		_ = logger.Sync()
		return appDeps{}, nil, err
	}

	gateway := provider.NewHTTPGateway(cfg.Provider, logger)
	analyzer := analysis.New(cfg.Analysis)
	orch := orchestrator.New(store, gateway, analyzer, cfg.Sync, logger)

	notif := buildNotifier(store, cfg.Email, logger)
	guard := ingest.NewGuard(store, orch, gateway, cfg.Webhook, notif, logger)
	subs := subscription.NewService(store, cfg.Subscription)
	sched := scheduler.NewScheduler(store, orch, cfg.Scheduler, logger)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}

	deps := appDeps{
		sched:   sched,
		handler: api.NewHandler(store, orch, guard, subs, logger),
		logger:  logger,
		addr:    addr,
	}
	cleanup := func() {
		_ = store.Close()
		_ = logger.Sync()
	}
	return deps, cleanup, nil
}

func loadConfig() (AppConfig, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return AppConfig{}, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, err
	}

	// 密钥只从环境变量读取，配置文件里的值会被覆盖。
	if token := os.Getenv("PROVIDER_API_TOKEN"); token != "" {
		cfg.Provider.APIToken = token
	}
	if token := os.Getenv("WEBHOOK_AUTH_TOKEN"); token != "" {
		cfg.Webhook.AuthToken = token
	}
	return cfg, nil
}

func buildNotifier(store *storage.Store, cfg notifier.EmailConfig, logger *zap.Logger) ingest.Notifier {
	if cfg.Host == "" || cfg.Port == 0 || cfg.From == "" {
		logger.Info("email alerts disabled, logging urgent reviews instead")
		return notifier.NewLogNotifier(nil)
	}
	return notifier.NewSubscriptionNotifier(store, cfg, nil, notifier.NewEmailNotifier(cfg, nil))
}
