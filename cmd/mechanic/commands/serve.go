package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/mechanicworks/mechanic/pkg/mechanic/agent"
	"github.com/mechanicworks/mechanic/pkg/mechanic/channels/discord"
	"github.com/mechanicworks/mechanic/pkg/mechanic/database"
)

// newServeCmd creates the `mechanic serve` command that starts the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and answer mentions",
		Long: `Start Mechanic as a daemon: connect to the Discord gateway, watch
for messages that mention the bot, and reply through the configured
LLM providers.

Examples:
  mechanic serve
  mechanic serve --config ./mechanic.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord token is not configured (set discord.token or DISCORD_TOKEN)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Persistence ──
	var (
		store    *database.Store
		profiles agent.ProfileStore
	)
	if cfg.Database.Enabled {
		store, err = database.Open(database.Config{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer store.Close()
		profiles = store
		logger.Info("database opened", "path", cfg.Database.Path)
	} else {
		logger.Info("database disabled, user profiles off")
	}

	// ── Providers ──
	primary := agent.NewClient(cfg.Providers.Primary, logger)
	secondary := agent.NewClient(cfg.Providers.Secondary, logger)

	// ── Stores ──
	contexts := agent.NewContextStore(cfg.Context, cfg.BotName, logger)
	contexts.Start()
	defer contexts.Stop()

	styles := agent.NewStyleStore(cfg.Personality, cfg.Context, logger)
	styles.Start()
	defer styles.Stop()

	// ── Pipeline ──
	executor := agent.NewToolExecutor(cfg.Responder.Tools, logger)
	runtime := agent.NewRuntime(primary, secondary, executor, nil, logger)
	renderer := agent.NewRenderer(primary, cfg.Personality, logger)

	var analyzer *agent.Analyzer
	if profiles != nil {
		analyzer = agent.NewAnalyzer(primary, profiles, cfg.Personality.Model, logger)
	}

	responder := agent.NewResponder(cfg.Responder, cfg.Trigger, runtime, renderer, contexts, styles, profiles, analyzer, logger)

	// ── Discord ──
	bot := discord.New(discord.Config{
		Token:           cfg.Discord.Token,
		AllowedGuilds:   cfg.Discord.AllowedGuilds,
		AllowedChannels: cfg.Discord.AllowedChannels,
		SendTyping:      cfg.Discord.SendTyping,
	}, responder, logger)

	if err := bot.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to discord: %w", err)
	}

	// ── Maintenance jobs ──
	var jobs *cron.Cron
	if store != nil {
		jobs = cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))

		if cfg.Database.CleanupSchedule != "" {
			_, err := jobs.AddFunc(cfg.Database.CleanupSchedule, func() {
				removed, err := store.CleanupOldSamples(context.Background(), cfg.Database.SampleRetentionDays)
				if err != nil {
					logger.Error("sample cleanup failed", "error", err)
					return
				}
				logger.Info("sample cleanup done", "removed", removed)
			})
			if err != nil {
				return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Database.CleanupSchedule, err)
			}
		}

		if analyzer != nil && cfg.Database.RefreshSchedule != "" {
			_, err := jobs.AddFunc(cfg.Database.RefreshSchedule, func() {
				sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				keys, err := store.ActiveProfiles(sweepCtx, time.Now().Add(-24*time.Hour), 50)
				if err != nil {
					logger.Error("refresh sweep query failed", "error", err)
					return
				}
				for _, key := range keys {
					analyzer.Refresh(sweepCtx, key.GuildID, key.UserID, false)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid refresh schedule %q: %w", cfg.Database.RefreshSchedule, err)
			}
		}

		jobs.Start()
	}

	logger.Info("mechanic running. Press Ctrl+C to stop.",
		"bot_name", cfg.BotName,
		"trigger_mode", cfg.Trigger.Mode,
		"tools_enabled", cfg.Responder.EnableTools,
		"personality_enabled", cfg.Personality.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if jobs != nil {
			<-jobs.Stop().Done()
		}
		bot.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads the config from --config or the default search paths.
func resolveConfig(cmd *cobra.Command) (*agent.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := agent.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := agent.FindConfigFile(); found != "" {
		cfg, err := agent.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	// No config file is still runnable: defaults plus environment variables.
	cfg := agent.DefaultConfig()
	cfg.Providers.Primary.APIKey = os.Getenv("GROQ_API_KEY")
	cfg.Providers.Secondary.APIKey = os.Getenv("OPENROUTER_API_KEY")
	cfg.Discord.Token = os.Getenv("DISCORD_TOKEN")
	slog.Info("no config file found, using defaults with environment variables")
	return cfg, nil
}

// newLogger builds the process logger from config plus the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *agent.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
