package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"moltbot/internal/agent"
	"moltbot/internal/archive"
	"moltbot/internal/brain"
	"moltbot/internal/config"
	"moltbot/internal/logging"
	"moltbot/internal/moltbook"
	"moltbot/internal/mood"
	"moltbot/internal/queue"
	"moltbot/internal/scheduler"
	"moltbot/internal/state"
)

var (
	cfgPath string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "moltbot",
	Short: "moltbot - an autonomous Moltbook forum agent",
	Long: `moltbot is a long-running social agent for the Moltbook platform.

It scans the feed, decides what deserves engagement, writes comments through
a rate-limited queue, replies under its own posts, follows agents it has
built up affinity with, and posts original content on a cooldown. Activity
follows a daily sleep/energy rhythm so the account behaves like a resident,
not a cron job.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Secrets may live in a local .env during development.
		_ = godotenv.Load()

		var err error
		logger, err = logging.New(logging.Options{Verbose: verbose})
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.Logging.File != "" || cfg.Logging.Verbose {
			logger, err = logging.New(logging.Options{
				Verbose: verbose || cfg.Logging.Verbose,
				File:    cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runBot(ctx, cfg)
	},
}

func runBot(ctx context.Context, cfg *config.Config) error {
	log := logger

	forum, err := moltbook.NewClient(moltbook.Config{
		BaseURL:    cfg.Moltbook.BaseURL,
		APIKey:     cfg.Moltbook.APIKey,
		MaxRetries: cfg.Moltbook.MaxRetries,
	}, log.Named("moltbook"))
	if err != nil {
		return err
	}

	thinker, err := brain.NewGeminiBrain(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, log.Named("brain"))
	if err != nil {
		return err
	}

	history, err := archive.Open(cfg.Storage.ArchivePath, log.Named("archive"))
	if err != nil {
		return err
	}
	defer history.Close()

	cooldowns := state.DefaultCooldowns()
	cooldowns.Post = cfg.Limits.PostCooldown
	store := state.NewStore(cfg.Storage.StatePath, cooldowns, log.Named("state"))

	moodSource := mood.New(log.Named("mood"))

	// The agent and queue reference each other: the queue drains through the
	// agent's send, the agent enqueues through the queue.
	bot := agent.New("", cfg, store, nil, moodSource, thinker, forum, history, log.Named("agent"))
	q := queue.New(bot.SendComment, cfg.Queue.MaxDaily, cfg.Queue.DrainInterval, log.Named("queue"))
	bot.SetQueue(q)

	// Seed identity and today's comment count from the platform, so a restart
	// cannot reset the daily budget.
	me, err := forum.Me(ctx)
	if err != nil {
		return fmt.Errorf("fetch own profile: %w", err)
	}
	bot.SetName(me.Name)
	q.InitializeDailyCount(me.CommentsToday)
	log.Info("signed in",
		zap.String("agent", me.Name),
		zap.Int("karma", me.Karma),
		zap.Int("comments_today", me.CommentsToday))

	sched := scheduler.New(log.Named("scheduler"))
	if err := bot.RegisterTasks(sched, cfg.Tasks); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, log.Named("config"), func(next *config.Config) {
		// Only the politeness limits apply live; transport and storage
		// changes need a restart.
		bot.SetLimits(next.Limits)
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error {
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	log.Info("moltbot running", zap.String("submolt", cfg.Moltbook.Submolt))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("moltbot stopped")
	return err
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persistent state file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLocal(cfgPath)
		if err != nil {
			return err
		}
		store := state.NewStore(cfg.Storage.StatePath, state.DefaultCooldowns(), logger.Named("state"))
		raw, err := store.Raw()
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show lifetime counters and recent actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLocal(cfgPath)
		if err != nil {
			return err
		}

		store := state.NewStore(cfg.Storage.StatePath, state.DefaultCooldowns(), logger.Named("state"))
		s := store.StatsSnapshot()
		fmt.Printf("comments: %d\nposts: %d\nupvotes: %d\nfollows: %d\n",
			s.TotalComments, s.TotalPosts, s.TotalUpvotes, s.TotalFollows)

		history, err := archive.Open(cfg.Storage.ArchivePath, logger.Named("archive"))
		if err != nil {
			return err
		}
		defer history.Close()

		recent, err := history.Recent(cmd.Context(), 20)
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			fmt.Println("\nrecent actions:")
			for _, act := range recent {
				fmt.Printf("  %s  %-8s %s\n",
					act.CreatedAt.Format(time.RFC3339), act.Kind, act.TargetID)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "moltbot.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
