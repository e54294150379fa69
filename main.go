package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reward-ledger/config"
	"reward-ledger/handlers"
	"reward-ledger/middleware"
	"reward-ledger/models"
	"reward-ledger/services"
	"reward-ledger/utils"
	"reward-ledger/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	if !dotenv {
		logger.Warn("No .env file found, reading environment variables directly")
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := services.AutoMigrate(db); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger core
	clock := services.SystemClock
	ledger := services.NewLedgerStore(db, services.NewIdempotencyGuard(logger), clock, logger)
	registry := services.NewTaskRegistry(db, services.DefaultStaticTasks, clock, logger)
	referrals := services.NewReferralCounter(db, logger)
	window := services.NewDailyWindow(cfg.ReferenceTimezone)

	var checker services.MembershipChecker = services.NewTelegramChatMemberClient(cfg.TelegramBotToken)
	if cfg.MembershipCheckURL != "" {
		checker = services.NewMembershipAPIClient(cfg.MembershipCheckURL, cfg.ServiceToken)
	}
	verifiers := services.Verifiers{
		models.KindExternalLinkDelay: services.ExternalLinkDelay{Delay: cfg.LinkSettleDelay},
		models.KindThirdPartyCheck:   services.ThirdPartyCheck{Checker: checker, Delay: cfg.TelegramCheck, Timeout: 10 * time.Second},
		models.KindManualNone:        services.ManualNone{},
		models.KindReferralThreshold: services.ReferralThreshold{Counter: referrals},
	}

	var ages services.AgeRewardSource = services.StaticAgeReward(0)
	if cfg.AgeRewardURL != "" {
		ages = services.NewHTTPAgeReward(cfg.AgeRewardURL)
	}

	rewards := services.NewRewardService(ledger, registry, referrals, verifiers, window, ages, services.RewardConfig{
		MaxAttempts:       cfg.MaxAttempts,
		PerReferralReward: cfg.PerReferralReward,
		Bonuses:           services.DefaultBonusRules(cfg.DailyLoginBonus, cfg.DailyTaskBonus, cfg.PremiumBonus),
	}, logger)
	store := services.NewStoreService(ledger, services.DefaultUpgrades, logger)
	leaderboard := services.NewLeaderboardService(db)

	// Background work
	if cfg.CatalogURL != "" {
		workers.NewCatalogSyncWorker(registry, cfg.CatalogURL, cfg.ServiceToken, cfg.CatalogRefresh, logger).Start(ctx)
	}
	if cfg.PaymentsURL != "" {
		poller := workers.NewPurchasePoller(workers.NewPaymentsClient(cfg.PaymentsURL, cfg.ServiceToken), store, cfg.PaymentsPoll, logger)
		go poller.Run(ctx)
	}

	jobs := services.SchedulerJobs{
		Rewards:      rewards,
		StaleAfter:   cfg.StaleAfter,
		Tasks:        registry,
		TasksRefresh: cfg.CatalogRefresh,
	}
	r2 := utils.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		Bucket:          cfg.R2Bucket,
	}
	if r2.Enabled() {
		uploader, err := utils.NewR2Uploader(ctx, r2)
		if err != nil {
			logger.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		jobs.Archiver = services.NewLedgerArchiver(db, uploader, window, clock, logger)
	} else {
		logger.Warn("R2 not configured, nightly ledger archive disabled")
	}
	sched, err := services.StartScheduler(jobs, cfg.ReferenceTimezone, logger)
	if err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// HTTP
	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, Cache-Control, X-Telegram-Init-Data",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	deps := handlers.RouteDeps{
		Rewards:     rewards,
		Store:       store,
		Leaderboard: leaderboard,
		UserAuth:    middleware.TelegramAuthMiddleware(cfg.TelegramBotToken, cfg.InitDataMaxAge, logger),
		SSEAuth:     middleware.SSEAuthMiddleware(cfg.TelegramBotToken, cfg.InitDataMaxAge, logger),
		ServiceAuth: middleware.ServiceAuthMiddleware(cfg.ServiceToken, logger),
		Logger:      logger,
	}
	handlers.SetupRewardRoutes(app, deps)
	handlers.SetupAdminRoutes(app, deps)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			logger.Error("Server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Server running",
		zap.String("addr", cfg.ListenAddr),
		zap.Strings("origins", cfg.AllowedOrigins),
		zap.Bool("catalog_sync", cfg.CatalogURL != ""),
		zap.Bool("payments_poll", cfg.PaymentsURL != ""))

	<-ctx.Done()
	logger.Info("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", zap.Error(err))
	}
}
