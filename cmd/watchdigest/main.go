package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rewired-gh/watchdigest/internal/config"
	"github.com/rewired-gh/watchdigest/internal/detect"
	"github.com/rewired-gh/watchdigest/internal/jobs"
	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/quotes"
	"github.com/rewired-gh/watchdigest/internal/storage"
	"github.com/rewired-gh/watchdigest/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	runJob     = flag.String("run", "", "Run a single job and exit (daily_prep, movers, hilo, targets, reconcile, digest)")
	importPath = flag.String("import", "", "Import a user directory JSON document and exit")
)

func main() {
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		logger.Fatal("Invalid engine configuration: %v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *importPath != "" {
		f, err := os.Open(*importPath)
		if err != nil {
			logger.Fatal("Failed to open directory document: %v", err)
		}
		n, err := store.ImportDirectory(ctx, f)
		f.Close()
		if err != nil {
			logger.Fatal("Failed to import directory: %v", err)
		}
		logger.Info("Imported %d users from %s", n, *importPath)
		return
	}

	quoteClient := quotes.NewClient(quotes.Options{
		BaseURL:             cfg.Quotes.BaseURL,
		APIKey:              cfg.Quotes.APIKey,
		Timeout:             cfg.Quotes.Timeout,
		BatchSize:           cfg.Quotes.BatchSize,
		MaxRetries:          cfg.Quotes.MaxRetries,
		RetryDelayBase:      cfg.Quotes.RetryDelayBase,
		MaxIdleConns:        cfg.Quotes.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Quotes.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Quotes.IdleConnTimeout,
	})

	runner := jobs.NewRunner(engineCfg, store, store, quoteClient, jobs.Options{
		Universe: cfg.Detect.Universe,
		Movers:   detect.MoverRule{Percent: cfg.Detect.MoverPercent, Dollar: cfg.Detect.MoverDollar},
	})

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		runner.WithSender(telegramClient).WithNotifier(telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram delivery disabled, digests will only be logged")
	}

	if *runJob != "" {
		if err := runner.Run(ctx, *runJob); err != nil {
			logger.Fatal("Job %s failed: %v", *runJob, err)
		}
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sched := jobs.NewScheduler(ctx, runner, engineCfg.Location)
	if err := sched.RegisterAll(jobs.Schedule{
		DailyPrep: cfg.Schedule.DailyPrep,
		Movers:    cfg.Schedule.Movers,
		HiLo:      cfg.Schedule.HiLo,
		Targets:   cfg.Schedule.Targets,
		Reconcile: cfg.Schedule.Reconcile,
		Digest:    cfg.Schedule.Digest,
	}); err != nil {
		logger.Fatal("Failed to register jobs: %v", err)
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	sched.Start()
	logger.Info("Service started (timezone: %s, %d jobs scheduled)", engineCfg.Location, sched.Len())

	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")
	cancel()
	sched.Stop()
	logger.Info("Service stopped")
}
