// Command tm is the tidemark CLI: an offline-first task and note
// manager that keeps a local cache and reconciles it with a remote
// record service when a connection is available.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-app/tidemark/internal/config"
	"github.com/tidemark-app/tidemark/internal/engine"
	"github.com/tidemark-app/tidemark/internal/gateway"
	"github.com/tidemark-app/tidemark/internal/projection"
	"github.com/tidemark-app/tidemark/internal/resolve"
	"github.com/tidemark-app/tidemark/internal/store"
)

var version = "0.3.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Offline-first tasks and notes",
	Long: `tm manages tasks and notes in a local cache that works fully
offline. Edits apply instantly; a sync engine reconciles the cache
with the configured record service whenever the network allows.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.tidemark/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)
}

// app bundles everything a command needs. Close it when done.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	proj   *projection.Projection
}

// openApp loads config and opens the local cache. The engine is only
// built when a server is configured; mutations work either way.
func openApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}

	var eng *engine.Engine
	if cfg.Server.URL != "" {
		gw := gateway.NewHTTPGateway(cfg.Server.URL, cfg.Server.Token, nil)
		eng = engine.New(st, gw, engineConfig(cfg, nil))
	}

	return &app{
		cfg:    cfg,
		store:  st,
		engine: eng,
		proj:   projection.New(st, eng, nil, quietLogger()),
	}, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// requireEngine guards commands that need the remote side.
func (a *app) requireEngine() error {
	if a.engine == nil {
		return fmt.Errorf("no server configured (set server.url in the config file)")
	}
	return nil
}

func engineConfig(cfg *config.Config, logger *log.Logger) *engine.Config {
	ec := engine.DefaultConfig()
	if cfg.Sync.Freshness > 0 {
		ec.FreshnessThreshold = cfg.Sync.Freshness
	}
	if cfg.Sync.RetryAttempts > 0 {
		ec.RetryAttempts = cfg.Sync.RetryAttempts
	}
	if cfg.Sync.MaxPermanentFailures > 0 {
		ec.MaxPermanentFailures = cfg.Sync.MaxPermanentFailures
	}
	ec.Resolver = &resolve.Resolver{GraceWindow: cfg.Sync.GraceWindow}
	if logger != nil {
		ec.Logger = logger
	} else {
		ec.Logger = quietLogger()
	}
	return ec
}

// quietLogger keeps subsystem chatter out of one-shot command output.
func quietLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}
