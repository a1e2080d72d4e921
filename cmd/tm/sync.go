package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tidemark-app/tidemark/internal/engine"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/resolve"
	"github.com/tidemark-app/tidemark/internal/store"
	"github.com/tidemark-app/tidemark/internal/ui"
)

var (
	syncForce bool

	resolveKeepLocal  bool
	resolveKeepRemote bool
	resolveMerge      bool
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the record service now",
	Long: `Run one full sync: pull remote changes, reconcile conflicts, then
push pending local changes. Recent pulls are skipped unless --force.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := a.requireEngine(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.cfg.Server.URL)
		summary, err := a.engine.Sync(context.Background(), engine.Options{Force: syncForce})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			os.Exit(1)
		}

		printSummary(summary)
	},
}

func printSummary(s engine.Summary) {
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), s.Duration.Round(time.Millisecond))
	if s.PullSkipped {
		fmt.Println(ui.RenderDim("   Pull skipped (cache is fresh; use --force to pull anyway)"))
	} else {
		fmt.Printf("   Fetched: %d  Applied: %d\n", s.Fetched, s.Applied)
	}
	fmt.Printf("   Pushed: %d\n", s.Pushed)
	if s.Conflicts > 0 {
		fmt.Printf("   %s\n", ui.RenderWarn(fmt.Sprintf("Conflicts: %d (see 'tm conflicts')", s.Conflicts)))
	}
	if s.Failed > 0 {
		fmt.Printf("   %s\n", ui.RenderWarn(fmt.Sprintf("Failed: %d (will retry on next sync)", s.Failed)))
		if s.LastError != nil {
			fmt.Printf("   Last error: %v\n", s.LastError)
		}
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		counts, err := a.store.Counts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		total, pending, conflicts := 0, 0, 0
		for status, n := range counts {
			total += n
			if status.Pending() {
				pending += n
			}
			if status == record.StatusConflict {
				conflicts += n
			}
		}

		fmt.Printf("\n%s Local cache: %s\n", ui.RenderAccent("●"), a.cfg.Database.Path)
		fmt.Printf("   Records: %d\n", total)
		if pending > 0 {
			fmt.Printf("   %s\n", ui.RenderWarn(fmt.Sprintf("Pending changes: %d", pending)))
		} else {
			fmt.Println(ui.RenderDim("   No pending changes"))
		}
		if conflicts > 0 {
			fmt.Printf("   %s\n", ui.RenderErr(fmt.Sprintf("Conflicts: %d (see 'tm conflicts')", conflicts)))
		}

		if a.engine == nil {
			fmt.Println(ui.RenderDim("   Server: not configured"))
		} else {
			fmt.Printf("   Server: %s\n", a.cfg.Server.URL)
			cursor, err := a.store.LoadCursor()
			if err == nil && cursor.LastPullAt != nil {
				fmt.Printf("   Last pull: %s\n", ui.Age(*cursor.LastPullAt))
			} else {
				fmt.Println(ui.RenderDim("   Last pull: never"))
			}
		}
		fmt.Println()
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		records, err := a.store.List(store.ListOptions{Status: record.StatusConflict})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		for _, rec := range records {
			fmt.Println(ui.RecordLine(rec))
			if rec.ConflictSnapshot != nil {
				fmt.Printf("   %s\n", ui.RenderDim("server version: "+describeFields(rec.ConflictSnapshot.Fields)))
			}
		}
		fmt.Printf("\nResolve with %s\n", ui.RenderAccent("tm conflicts resolve <id>"))
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve one conflict",
	Long: `Resolve a conflicted record. Pass --keep-local, --keep-remote, or
--merge; with none of these and an interactive terminal, a picker is
shown.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := a.requireEngine(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		decision, err := pickDecision(a, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := a.engine.ResolveConflict(context.Background(), args[0], decision); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Resolved %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]), decision)
	},
}

// pickDecision maps flags to a decision, falling back to an interactive
// picker on a terminal.
func pickDecision(a *app, id string) (resolve.Decision, error) {
	set := 0
	for _, b := range []bool{resolveKeepLocal, resolveKeepRemote, resolveMerge} {
		if b {
			set++
		}
	}
	if set > 1 {
		return 0, fmt.Errorf("pass at most one of --keep-local, --keep-remote, --merge")
	}
	switch {
	case resolveKeepLocal:
		return resolve.KeepLocal, nil
	case resolveKeepRemote:
		return resolve.KeepRemote, nil
	case resolveMerge:
		return resolve.Merge, nil
	}

	if !ui.IsTTY() {
		return 0, fmt.Errorf("not a terminal; pass --keep-local, --keep-remote, or --merge")
	}

	rec, err := a.store.Get(id)
	if err != nil {
		return 0, err
	}

	title := fmt.Sprintf("Conflict on %s (%s)", id, rec.Title())
	description := "local: " + describeFields(rec.Fields)
	if rec.ConflictSnapshot != nil {
		description += "\nserver: " + describeFields(rec.ConflictSnapshot.Fields)
	}

	var choice resolve.Decision
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[resolve.Decision]().
			Title(title).
			Description(description).
			Options(
				huh.NewOption("Keep my version", resolve.KeepLocal),
				huh.NewOption("Take the server version", resolve.KeepRemote),
				huh.NewOption("Merge both", resolve.Merge),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return 0, err
	}
	return choice, nil
}

func describeFields(fields record.Fields) string {
	out := ""
	for i, name := range fields.Names() {
		if i > 0 {
			out += ", "
		}
		out += name + "=" + fields[name].String()
	}
	return out
}

func init() {
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "bypass the pull freshness guard")

	conflictsResolveCmd.Flags().BoolVar(&resolveKeepLocal, "keep-local", false, "keep the local version")
	conflictsResolveCmd.Flags().BoolVar(&resolveKeepRemote, "keep-remote", false, "adopt the server version")
	conflictsResolveCmd.Flags().BoolVar(&resolveMerge, "merge", false, "merge both versions field by field")
	conflictsCmd.AddCommand(conflictsResolveCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
}
