package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/werkaholic-scanner/internal/config"
	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/llm"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/raine/werkaholic-scanner/internal/storage"
	"github.com/raine/werkaholic-scanner/internal/telegram"
	"github.com/raine/werkaholic-scanner/internal/web"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	logFileName = "werkaholic.log"

	maintenanceInterval = 24 * time.Hour
	visionCacheMaxAge   = 30 * 24 * time.Hour
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Try to load existing config.env file
	config.LoadEnvFile()

	// Check if required config is missing
	if missing := config.CheckRequiredConfig(); len(missing) > 0 {
		if config.IsInteractiveTerminal() {
			if !config.RunSetupWizard() {
				config.WaitOnWindows()
				os.Exit(1)
			}
		} else {
			config.FatalWithWait("missing required config: %s", strings.Join(missing, ", "))
		}
	}

	// JOURNAL_STREAM is set by systemd when running as a service.
	// Skip file logging under systemd, journald handles it.
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			config.FatalWithWait("failed to open log file: %v", err)
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	cfg, err := config.Load()
	if err != nil {
		config.FatalWithWait("invalid configuration: %v", err)
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		config.FatalWithWait("failed to initialize store: %v", err)
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("store initialized")

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gemini, err := llm.NewGeminiClassifier(ctx, cfg.GeminiAPIKey)
	if err != nil {
		config.FatalWithWait("failed to initialize gemini classifier: %v", err)
	}
	classifier := llm.NewCachedClassifier(gemini, store)
	log.Info().Msg("gemini classifier initialized with caching")

	source, closeSource, err := frame.Open(cfg.FrameSource, frame.Options{
		Username: cfg.SnapshotUser,
		Password: cfg.SnapshotPassword,
	})
	if err != nil {
		config.FatalWithWait("failed to open frame source: %v", err)
	}
	defer closeSource()
	log.Info().Str("source", cfg.FrameSource).Msg("frame source opened")

	controller := scanner.New(scanner.Config{
		UserID:          cfg.UserID,
		Interval:        cfg.ScanInterval,
		Dwell:           cfg.DwellTime,
		DuplicateWindow: cfg.DuplicateWindow,
		AutoStart:       cfg.AutoStart,
	}, classifier, source, store, scanner.WithHistory(store))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return controller.Run(ctx)
	})

	g.Go(func() error {
		runMaintenance(ctx, store)
		return nil
	})

	if cfg.WebEnabled() {
		server := web.NewServer(cfg.WebAddr, cfg.UserID, controller, store)
		g.Go(func() error {
			return server.Run(ctx)
		})
	}

	if cfg.TelegramEnabled() {
		tg, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			config.FatalWithWait("failed to initialize telegram bot: %v", err)
		}
		tg.Debug = false
		log.Info().Str("username", tg.Self.UserName).Msg("authorized on account")

		// Register bot commands for Telegram's command menu
		telegram.RegisterCommands(tg)

		b := telegram.NewBot(tg, controller, store, telegram.BotConfig{
			AdminID:  cfg.AdminTelegramID,
			UserID:   cfg.UserID,
			Interval: cfg.ScanInterval,
		})
		g.Go(func() error {
			return runBot(ctx, tg, b)
		})

		notifier := telegram.NewNotifier(tg, controller, cfg.AdminTelegramID)
		g.Go(func() error {
			notifier.Run(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func runBot(ctx context.Context, tg *tgbotapi.BotAPI, b *telegram.Bot) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := tg.GetUpdatesChan(updateConfig)

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping bot update loop")
			tg.StopReceivingUpdates()
			log.Info().Msg("waiting for active handlers to finish")
			wg.Wait()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				log.Warn().Msg("updates channel closed")
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(u tgbotapi.Update) {
				defer wg.Done()
				b.HandleUpdate(ctx, u)
			}(update)
		}
	}
}

// runMaintenance prunes stale vision cache entries once at startup and then daily.
func runMaintenance(ctx context.Context, store *storage.SQLiteStore) {
	prune := func() {
		n, err := store.PruneVisionCache(visionCacheMaxAge)
		if err != nil {
			log.Error().Err(err).Msg("failed to prune vision cache")
			return
		}
		log.Info().Int64("removed", n).Msg("pruned vision cache")
	}

	prune()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
