package main

import (
	"context"
	"os/signal"
	"syscall"

	"apartment-watcher/config"
	"apartment-watcher/notify"
	"apartment-watcher/scraper/kleinanzeigen"
	"apartment-watcher/services"
	"apartment-watcher/storage"
	"apartment-watcher/utils"
)

func main() {
	logger := utils.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("[main] config: %v", err)
	}

	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("[main] store: %v", err)
	}
	defer store.Close()

	var rawWriter storage.RawListingWriter
	if cfg.RawCSVPath != "" {
		w, err := storage.NewCSVWriter(cfg.RawCSVPath)
		if err != nil {
			logger.Fatal("[main] raw csv writer: %v", err)
		}
		defer w.Close()
		rawWriter = w
	}

	scraper := kleinanzeigen.New(cfg, logger)

	notifier := notify.NewTelegramNotifier(cfg.TelegramBotToken, logger)
	if cfg.TelegramBotToken == "" || len(cfg.TelegramChatIDs) == 0 {
		logger.Warn("[main] telegram token or chat ids missing, accepted listings will not be notified")
	}

	svc := services.NewSearchService(
		store,
		scraper,
		notifier,
		rawWriter,
		cfg.Criteria(),
		cfg.TelegramChatIDs,
		cfg.CheckInterval,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelegramBotToken != "" {
		bot := notify.NewCommandBot(cfg.TelegramBotToken, cfg.InquiryText, logger)
		go bot.Run(ctx)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Fatal("[main] search loop: %v", err)
	}
	logger.Info("[main] stopped")
}
