package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epistle/epistle/internal/ui"
)

var serCmd = &cobra.Command{
	Use:   "ser",
	Short: "Serialize the cache to stdout",
	Long: `Write every cached fragment to stdout, one JSON object per line.
This is the command a syncing peer runs over ssh to pull this machine's
quick captures.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		items, err := st.ListCache(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cache",
	Long: `Remove every cached fragment. A syncing peer runs this over ssh after
a successful pull; run it by hand only if the captures are unwanted.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		if err := st.ClearCache(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cache cleared\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(serCmd)
	rootCmd.AddCommand(clearCmd)
}
