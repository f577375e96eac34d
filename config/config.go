package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken        string `env:"BOT_TOKEN,required"`
	AdminTelegramID int64  `env:"ADMIN_TELEGRAM_ID,required"`
	AdminAPIToken   string `env:"ADMIN_API_TOKEN,required"`
	DatabaseURL     string `env:"DATABASE_URL" envDefault:"vpnbot.db"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	YooKassaShopID string `env:"YOOKASSA_SHOP_ID"`
	YooKassaSecret string `env:"YOOKASSA_SECRET_KEY"`
	TestMode       bool   `env:"TEST_MODE" envDefault:"false"`

	// Fallback panel credentials for hosts that carry none of their own.
	PanelUsername string `env:"PANEL_USERNAME"`
	PanelPassword string `env:"PANEL_PASSWORD"`

	SyncIntervalSeconds int   `env:"SYNC_INTERVAL_SECONDS" envDefault:"300"`
	NotifyMarkerHours   []int `env:"NOTIFY_MARKER_HOURS" envSeparator:"," envDefault:"1,24"`
	KeyRetentionDays    int   `env:"KEY_RETENTION_DAYS" envDefault:"5"`
	DeleteOrphans       bool  `env:"RECONCILE_DELETE_ORPHANS" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	DisplayTimezone string `env:"DISPLAY_TIMEZONE" envDefault:"Europe/Moscow"`
}

var AppCfg AppConfig

// DisplayLocation is the timezone user-facing timestamps are rendered in.
// Storage and internal arithmetic stay in UTC; conversion happens only at
// the messenger and bot edges.
var DisplayLocation = time.UTC

func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	if err := env.Parse(&AppCfg); err != nil {
		log.Fatalf("Critical environment variables are missing: %v", err)
	}

	if len(AppCfg.NotifyMarkerHours) == 0 {
		AppCfg.NotifyMarkerHours = []int{1, 24}
	}

	loc, err := time.LoadLocation(AppCfg.DisplayTimezone)
	if err != nil {
		log.Printf("Unknown DISPLAY_TIMEZONE %q, falling back to UTC", AppCfg.DisplayTimezone)
		loc = time.UTC
	}
	DisplayLocation = loc
}

// IsPostgres reports whether DATABASE_URL points at a postgres server rather
// than a sqlite file.
func (c *AppConfig) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://") ||
		strings.Contains(c.DatabaseURL, "host=")
}
