package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-app/tidemark/internal/export"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/store"
	"github.com/tidemark-app/tidemark/internal/ui"
)

var exportAll bool

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "records",
	Short:   "Export records to a file",
	Long: `Export records to JSONL or YAML, chosen by file extension
(.jsonl, .ndjson, .yaml, .yml). Deleted-but-unsynced records are
excluded unless --all.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		records, err := a.store.List(store.ListOptions{IncludeTombstones: exportAll})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := export.WriteFile(args[0], records); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), len(records), args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "records",
	Short:   "Import records from a file",
	Long: `Import records from a JSONL or YAML file. Every imported entry
becomes a new local record and is pushed on the next sync; entry ids
in the file are ignored.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		entries, err := export.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		result := export.Import(entries, export.CreatorFunc(func(fields record.Fields) error {
			_, err := a.proj.Create(context.Background(), fields)
			return err
		}))

		fmt.Printf("%s Imported %d records\n", ui.RenderPass("✓"), result.Created)
		if result.Skipped > 0 {
			fmt.Printf("   %s\n", ui.RenderDim(fmt.Sprintf("Skipped %d entries without a title", result.Skipped)))
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s\n", ui.RenderWarn(e))
		}
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	exportCmd.Flags().BoolVarP(&exportAll, "all", "a", false, "include unsynced deletions")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
