package main

import (
	"log"
	"os"

	"log/slog"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/config"
	apphttp "github.com/mikibart/projcontest-site-sub000/internal/http"
	"github.com/mikibart/projcontest-site-sub000/internal/mailer"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/contests"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/notifications"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/payments"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

func main() {
	// Load .env file (ignore error if not found - prod uses real env vars)
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := config.Load()
	if cfg.DBDSN == "" {
		log.Fatal("DB_DSN environment variable is required")
	}
	if cfg.SettingsMasterKey == "" {
		if cfg.IsProduction() {
			log.Fatal("SETTINGS_MASTER_KEY environment variable is required in production")
		}
		logger.Warn("SETTINGS_MASTER_KEY not set, using insecure development key")
		cfg.SettingsMasterKey = "dev-insecure-master-key"
	}

	db, err := gorm.Open(mysql.Open(cfg.DBDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	cipher, err := settings.NewCipher(cfg.SettingsMasterKey)
	if err != nil {
		log.Fatalf("failed to initialize settings cipher: %v", err)
	}
	store := settings.NewStore(db, cipher, settings.WithLogger(logger))

	mail := mailer.NewSMTPMailer(cfg.SMTP)
	notify := notifications.NewService(mail, logger, cfg.SMTP.FromAddr, cfg.SMTP.FromName)

	coord := payments.NewCoordinator(
		db,
		store,
		payments.NewLedger(db),
		contests.NewRepo(db),
		notify,
		logger,
		cfg.BaseURL,
		payments.NewCardGateway(store, logger, cfg.IsProduction()),
		payments.NewWalletGateway(store, logger, cfg.IsProduction()),
	)

	r := apphttp.NewRouter(apphttp.RouterDeps{
		Logger:            logger,
		DB:                db,
		Settings:          store,
		Coordinator:       coord,
		Contests:          contests.NewRepo(db),
		SessionCookieName: cfg.SessionCookieName,
		SessionSecure:     cfg.SessionSecure,
	})

	logger.Info("starting server", "addr", cfg.ListenAddr, "env", cfg.Env)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
