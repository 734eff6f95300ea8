package config

import "os"

type SMTPConfig struct {
	Host          string
	Port          string
	User          string
	Pass          string
	TLSMode       string // "", "tls", "starttls"
	SkipVerifyTLS bool
	FromAddr      string
	FromName      string
}

type Config struct {
	Env        string // "production" enables strict webhook verification
	ListenAddr string
	BaseURL    string // public base URL, used for provider return/cancel URLs
	DBDSN      string

	// Master secret for the settings cipher. Required in production.
	SettingsMasterKey string

	SessionCookieName string
	SessionSecure     bool

	SMTP SMTPConfig
}

func Load() Config {
	return Config{
		Env:               envOr("APP_ENV", "development"),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		BaseURL:           envOr("APP_BASE_URL", "http://localhost:8080"),
		DBDSN:             os.Getenv("DB_DSN"),
		SettingsMasterKey: os.Getenv("SETTINGS_MASTER_KEY"),
		SessionCookieName: envOr("SESSION_COOKIE_NAME", "pc_session"),
		SessionSecure:     os.Getenv("SESSION_SECURE") == "true",
		SMTP: SMTPConfig{
			Host:          envOr("SMTP_HOST", "localhost"),
			Port:          envOr("SMTP_PORT", "1025"),
			User:          os.Getenv("SMTP_USER"),
			Pass:          os.Getenv("SMTP_PASS"),
			TLSMode:       os.Getenv("SMTP_TLS_MODE"),
			SkipVerifyTLS: os.Getenv("SMTP_SKIP_VERIFY_TLS") == "true",
			FromAddr:      envOr("SMTP_FROM_ADDR", "no-reply@projcontest.local"),
			FromName:      envOr("SMTP_FROM_NAME", "ProjContest"),
		},
	}
}

func (c Config) IsProduction() bool { return c.Env == "production" }

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
