package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/epistle/epistle/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the replicas reconciled in the background",
	Long: `Run the reconciliation daemon. It watches the diary directory for
edits, runs a pass after changes settle, and runs a periodic pass on the
configured interval. Stops cleanly on SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		s := buildSyncer(st)

		dcfg := daemon.DefaultConfig()
		dcfg.Logger = daemon.NewLogger(cfg.LogFile)
		if cfg.SyncInterval > 0 {
			dcfg.SyncInterval = cfg.SyncInterval
		}

		d, err := daemon.NewWithConfig(cfg.DiaryDir, s.SyncEverything, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Watching %s, full pass every %v\n",
			cfg.DiaryDir, dcfg.SyncInterval.Round(time.Second))
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
