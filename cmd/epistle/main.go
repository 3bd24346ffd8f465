package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epistle/epistle/internal/config"
	"github.com/epistle/epistle/internal/replica/cloud"
	"github.com/epistle/epistle/internal/replica/local"
	"github.com/epistle/epistle/internal/replica/peer"
	"github.com/epistle/epistle/internal/store"
	"github.com/epistle/epistle/internal/syncer"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "epistle",
	Short: "Personal diary with multi-replica synchronization",
	Long: `epistle keeps a dated diary reconciled across four replicas:

  - a SQLite store (the source of truth)
  - a directory of editable per-date text files plus yearly archives
  - a cloud bucket with one object per date
  - an optional quick-capture peer reached over ssh

Run 'epistle sync' for a one-shot reconciliation pass, or 'epistle daemon'
to keep the replicas converged in the background.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default epistle.yaml)")
}

// openStore opens the configured database and ensures the schema exists.
func openStore(cmd *cobra.Command) *store.Store {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(cmd.Context()); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

// buildSyncer wires the replicas named by the configuration.
func buildSyncer(st *store.Store) *syncer.Syncer {
	li := local.New(st, cfg.DiaryDir, nil)

	var cloudReplica syncer.CloudReplica
	if cfg.CloudURL != "" {
		cloudReplica = cloud.New(st, cfg.CloudURL, cfg.BackupURL, nil)
	}

	var peerReplica syncer.PeerReplica
	if cfg.PeerURL != "" {
		p, err := peer.New(st, cfg.PeerURL, cfg.RemoteSerializeCmd, cfg.RemoteClearCmd, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		peerReplica = p
	}

	return syncer.New(st, li, cloudReplica, peerReplica, nil)
}
