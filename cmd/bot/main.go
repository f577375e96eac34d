package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"VPN-Sales-Bot/config"
	"VPN-Sales-Bot/internal/admin"
	"VPN-Sales-Bot/internal/bot"
	"VPN-Sales-Bot/internal/cache"
	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
	"VPN-Sales-Bot/internal/panel"
	"VPN-Sales-Bot/internal/services"
)

func main() {
	config.LoadConfig()

	store, err := db.Open(config.AppCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	botapi, err := tgbotapi.NewBotAPI(config.AppCfg.BotToken)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	messenger := bot.NewTelegramMessenger(botapi)
	logger.InitNotifier(messenger, config.AppCfg.AdminTelegramID)

	adapter := panel.New(config.AppCfg.PanelUsername, config.AppCfg.PanelPassword)
	settlement := services.NewSettlement(store, adapter, messenger, config.AppCfg.TestMode)
	reconciler := services.NewReconciler(store, adapter, config.AppCfg.DeleteOrphans, config.AppCfg.KeyRetentionDays)
	notified := cache.NewNotifiedCache(config.AppCfg.RedisAddr, config.AppCfg.RedisPassword)
	scheduler := services.NewScheduler(store, messenger, settlement, notified, config.AppCfg.NotifyMarkerHours)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconciliation runs first so the scheduler classifies against fresh
	// expiry values.
	c := cron.New()
	c.AddFunc(fmt.Sprintf("@every %ds", config.AppCfg.SyncIntervalSeconds), func() {
		reconciler.RunCycle(ctx)
		scheduler.RunCycle(ctx)
	})
	c.AddFunc("@every 1m", func() {
		services.UpdateAllHostStatuses(store)
	})
	c.Start()

	router := gin.Default()
	router.POST("/yookassa-webhook", services.YooKassaWebhook(settlement, config.AppCfg.YooKassaSecret))
	router.GET("/health", func(gc *gin.Context) {
		gc.String(http.StatusOK, "ok")
	})
	api := admin.NewAPI(store, adapter, settlement, reconciler, config.AppCfg.AdminAPIToken, config.AppCfg.AdminTelegramID)
	api.Register(router)

	srv := &http.Server{Addr: config.AppCfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info("http server listening on " + config.AppCfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	tgBot := bot.New(botapi, store, config.AppCfg.AdminTelegramID)
	go tgBot.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	cronCtx := c.Stop()
	<-cronCtx.Done()
	tgBot.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
