package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tidemark-app/tidemark/internal/config"
	"github.com/tidemark-app/tidemark/internal/dashboard"
	"github.com/tidemark-app/tidemark/internal/engine"
	"github.com/tidemark-app/tidemark/internal/export"
	"github.com/tidemark-app/tidemark/internal/gateway"
	"github.com/tidemark-app/tidemark/internal/inbox"
	"github.com/tidemark-app/tidemark/internal/netmon"
	"github.com/tidemark-app/tidemark/internal/projection"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/store"
	"github.com/tidemark-app/tidemark/internal/ui"
)

var watchForeground bool

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run tm as a long-lived process: sync on a schedule, resync the
moment connectivity returns, ingest the inbox drop folder, and serve
the dashboard feed if enabled.

Logs rotate via the configured log file; --foreground additionally
mirrors them to stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWatch(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runWatch() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Server.URL == "" {
		return fmt.Errorf("no server configured (set server.url in the config file)")
	}

	logWriter := rotatingWriter(cfg)
	newLogger := func(prefix string) *log.Logger {
		return log.New(logWriter, prefix, log.LstdFlags)
	}
	logger := newLogger("[watch] ")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return err
	}

	gw := gateway.NewHTTPGateway(cfg.Server.URL, cfg.Server.Token, nil)
	eng := engine.New(st, gw, engineConfig(cfg, newLogger("[engine] ")))

	// Assume online until the first probe says otherwise, so the
	// startup sync is not skipped on a healthy network.
	sig := netmon.NewSignal(true)
	prober := netmon.NewProber(sig, cfg.Server.URL, cfg.Server.ProbeInterval, newLogger("[netmon] "))

	sched := engine.NewScheduler(eng, sig, &engine.SchedulerConfig{
		Interval: cfg.Sync.Interval,
		Logger:   newLogger("[scheduler] "),
	})

	proj := projection.New(st, eng, sched.Nudge, newLogger("[projection] "))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go prober.Run(ctx)
	go sched.Run(ctx)

	if cfg.Inbox.Enabled {
		watcher, err := inbox.New(inbox.Config{
			Dir:    cfg.Inbox.Dir,
			Logger: newLogger("[inbox] "),
		}, export.CreatorFunc(func(fields record.Fields) error {
			_, err := proj.Create(ctx, fields)
			return err
		}))
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("inbox watcher stopped: %v", err)
			}
		}()
		logger.Printf("watching inbox %s", cfg.Inbox.Dir)
	}

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(st, eng, &dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: newLogger("[dashboard] "),
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		logger.Printf("dashboard feed on %s", srv.Addr())
	}

	logger.Printf("watch started (server %s, interval %v)", cfg.Server.URL, cfg.Sync.Interval)
	fmt.Printf("%s Watching (Ctrl-C to stop)\n", ui.RenderAccent("●"))

	<-ctx.Done()
	logger.Printf("watch stopping")
	return nil
}

// rotatingWriter builds the daemon log sink: a size-capped rotating
// file, mirrored to stderr in foreground mode.
func rotatingWriter(cfg *config.Config) io.Writer {
	lj := &lumberjack.Logger{
		Filename:   cfg.Log.Path,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	if watchForeground {
		return io.MultiWriter(lj, os.Stderr)
	}
	return lj
}

func init() {
	watchCmd.Flags().BoolVar(&watchForeground, "foreground", false, "also log to stderr")

	rootCmd.AddCommand(watchCmd)
}
