package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"labelops/internal/ai"
	"labelops/internal/ai/openai"
	"labelops/internal/config"
	"labelops/internal/daemon"
	"labelops/internal/logging"
	"labelops/internal/pipeline"
	"labelops/internal/telegram"
)

func main() {
	// Parse CLI flags
	var (
		clientsFlag = flag.String("clients", "all", "comma-separated client ids to watch, or 'all'")
		useTelegram = flag.Bool("use-telegram", false, "accept shipment notes over the Telegram bot")
		useAI       = flag.Bool("use-ai", false, "enable AI address correction")
		maxRisk     = flag.String("auto-apply-max-risk", ai.RiskLow, "highest suggestion risk to auto-apply (low|medium|high)")
		maxAICalls  = flag.Int("max-ai-calls", 25, "maximum AI calls per batch")
		recursive   = flag.Bool("recursive", false, "watch intake folders recursively")
		logDir      = flag.String("log-dir", config.LogDir(), "directory for rotated log files")
	)
	flag.Parse()

	if !ai.ValidRisk(*maxRisk) {
		fmt.Fprintf(os.Stderr, "Error: invalid --auto-apply-max-risk %q, use low|medium|high\n", *maxRisk)
		os.Exit(1)
	}

	// Setup logger
	logger, err := logging.Setup(*logDir, slog.LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logging setup: %v\n", err)
		os.Exit(1)
	}

	// Context with signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load and validate client configuration
	store := config.NewStore(config.ConfigPath(), config.ClientsRoot(), logger)
	snap, err := store.Load()
	if err != nil {
		logger.Error("daemon.config_failed", "path", config.ConfigPath(), "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	watches, err := selectWatches(snap, *clientsFlag)
	if err != nil {
		logger.Error("daemon.client_selection_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup AI corrector (env-gated)
	var corrector ai.Corrector
	if *useAI {
		client, err := openai.NewClient(openai.Config{}, logger)
		if err != nil {
			logger.Error("daemon.ai_setup_failed", "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		corrector = client
		logger.Info("daemon.ai_enabled", "max_risk", *maxRisk, "max_calls", *maxAICalls)
	}

	runner := pipeline.NewRunner(logger, nil, corrector, "")
	d := daemon.New(logger, runner, watches, daemon.Options{
		UseAI:      *useAI,
		MaxRisk:    *maxRisk,
		MaxAICalls: *maxAICalls,
		Recursive:  *recursive,
	})
	if err := d.Start(ctx); err != nil {
		logger.Error("daemon.start_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Telegram intake (optional)
	if *useTelegram {
		allowlist, err := telegram.LoadAllowlist(config.AllowlistPath())
		if err != nil {
			logger.Error("daemon.allowlist_failed", "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		bot, err := telegram.NewBot(telegram.BotConfig{}, store, allowlist, logger)
		if err != nil {
			logger.Error("daemon.telegram_setup_failed", "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		go func() {
			if err := bot.Run(ctx); err != nil {
				logger.Error("daemon.telegram_stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("daemon.shutting_down")
	d.Stop()
	fmt.Println("stopped.")
}

func selectWatches(snap *config.Snapshot, clientsFlag string) ([]daemon.ClientWatch, error) {
	var ids []string
	if clientsFlag == "all" {
		ids = snap.ClientIDs()
		sort.Strings(ids)
	} else {
		for _, id := range strings.Split(clientsFlag, ",") {
			id = strings.TrimSpace(strings.ToLower(id))
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no clients selected")
	}

	watches := make([]daemon.ClientWatch, 0, len(ids))
	for _, id := range ids {
		settings, err := snap.Resolve(id)
		if err != nil {
			return nil, err
		}
		watches = append(watches, daemon.ClientWatch{ClientID: id, Settings: settings})
	}
	return watches, nil
}
