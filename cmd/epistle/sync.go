package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/epistle/epistle/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full reconciliation pass",
	Long: `Reconcile every replica in a fixed sequence:

  1. Pull the quick-capture cache from the peer (if configured)
  2. Fold cached fragments into dated entries
  3. Import newer content from the diary directory and the cloud bucket
  4. Maintain the editable window of per-date files
  5. Export entries to the cloud bucket and the yearly archives
  6. Validate the offline backup listing (if configured)

A peer failure is logged and skipped; any other failure aborts the
remaining steps.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		s := buildSyncer(st)

		fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), cfg.DiaryDir)
		start := time.Now()

		output, err := s.SyncEverything(cmd.Context())
		for _, line := range output {
			fmt.Printf("   %s\n", line)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderErr("✗"), err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Sync complete in %v (%d changes)\n",
			ui.RenderPass("✓"), elapsed.Round(time.Millisecond), len(output))
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the peer cache and fold it into entries",
	Long: `Run only the peer steps of a pass: pull the quick-capture cache from
the configured peer, then fold cached fragments into dated entries. Unlike
'epistle sync', a pull failure is reported as an error.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		s := buildSyncer(st)

		output, err := s.SyncPeer(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Pull failed: %v\n", ui.RenderErr("✗"), err)
			os.Exit(1)
		}
		merged, err := s.MergeCacheToEntries(cmd.Context())
		output = append(output, merged...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Merge failed: %v\n", ui.RenderErr("✗"), err)
			os.Exit(1)
		}
		for _, line := range output {
			fmt.Printf("   %s\n", line)
		}
		fmt.Printf("%s Pull complete (%d changes)\n", ui.RenderPass("✓"), len(output))
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the offline backup listing",
	Long: `Compare the backup listing against the live entries. Backup objects
smaller than the live text are deleted and the entry re-uploaded to the
bucket; a backup object with no matching entry fails the check.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		s := buildSyncer(st)

		output, err := s.ValidateBackups(cmd.Context())
		for _, line := range output {
			fmt.Printf("   %s\n", line)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Validation failed: %v\n", ui.RenderErr("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s Backup listing valid (%d refreshed)\n", ui.RenderPass("✓"), len(output))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(validateCmd)
}
