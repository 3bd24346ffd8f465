package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/epistle/epistle/internal/diff"
	"github.com/epistle/epistle/internal/store"
	"github.com/epistle/epistle/internal/ui"
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Review and resolve recorded conflicts",
	Long: `When a replacement drops lines from an entry, the dropped and kept
lines are recorded as a conflict session. Review the sessions, flip chunks
between kept ('add') and dropped ('rem'), then commit to rebuild the entry
from the kept chunks.`,
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dates with unresolved conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		dates, err := st.ConflictDates(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(dates) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}
		for _, date := range dates {
			sessions, err := st.ConflictSessions(cmd.Context(), date)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s  %d session(s)\n", ui.RenderAccent(string(date)), len(sessions))
		}
	},
}

var conflictShowCmd = &cobra.Command{
	Use:   "show <date>",
	Short: "Show the conflict sessions for a date",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		date := resolveDate(args[0])
		st := openStore(cmd)
		defer st.Close()

		sessions, err := st.ConflictSessions(cmd.Context(), date)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Printf("%s No conflicts for %s\n", ui.RenderPass("✓"), date)
			return
		}
		for _, session := range sessions {
			fmt.Printf("%s %s\n", ui.RenderAccent(string(date)),
				ui.RenderFaint(session.Format(time.RFC3339Nano)))
			chunks, err := st.ConflictChunks(cmd.Context(), session)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, chunk := range chunks {
				fmt.Printf("  [%d] %s\n", chunk.ID, renderChunk(chunk.DiffType, chunk.DiffText))
			}
		}
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <chunk-id> <add|rem>",
	Short: "Flip a conflict chunk between kept and dropped",
	Long: `Mark a chunk 'add' to keep it in the rebuilt entry or 'rem' to drop
it. Unchanged ('same') chunks are always kept and cannot be flipped.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid chunk id %q\n", args[0])
			os.Exit(1)
		}
		newType := diff.Type(args[1])
		if newType != diff.Add && newType != diff.Rem {
			fmt.Fprintf(os.Stderr, "Error: type must be 'add' or 'rem'\n")
			os.Exit(1)
		}

		st := openStore(cmd)
		defer st.Close()

		if err := st.UpdateChunkType(cmd.Context(), id, newType); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Chunk %d is now %s\n", ui.RenderPass("✓"), id, newType)
	},
}

var conflictCommitCmd = &cobra.Command{
	Use:   "commit [date]",
	Short: "Rebuild the entry from the oldest session's kept chunks",
	Long: `Fold the oldest conflict session for a date back into its entry:
kept chunks ('add' and 'same') are concatenated in order, dropped chunks
('rem') are discarded, and the session is deleted. With no date, the
oldest session of the oldest conflicted date is committed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		var (
			session   time.Time
			date      store.Date
			remaining int
		)
		if len(args) == 1 {
			date = resolveDate(args[0])
			sessions, err := st.ConflictSessions(cmd.Context(), date)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(sessions) == 0 {
				fmt.Printf("%s No conflicts for %s\n", ui.RenderPass("✓"), date)
				return
			}
			session = sessions[0]
			remaining = len(sessions) - 1
		} else {
			first, err := st.FirstConflict(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if first == nil {
				fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
				return
			}
			session = *first
			chunks, err := st.ConflictChunks(cmd.Context(), session)
			if err != nil || len(chunks) == 0 {
				fmt.Fprintf(os.Stderr, "Error reading session: %v\n", err)
				os.Exit(1)
			}
			date = chunks[0].Date
		}

		next, err := st.CommitConflict(cmd.Context(), session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Committed %s\n", ui.RenderPass("✓"), date)
		if next != nil {
			fmt.Printf("%s The rebuilt entry dropped further lines, recorded as a new conflict\n",
				ui.RenderWarn("⚠"))
		}
		if remaining > 0 {
			fmt.Printf("   %d older session(s) remain\n", remaining)
		}
	},
}

var conflictDropCmd = &cobra.Command{
	Use:   "drop <chunk-id>",
	Short: "Delete a single conflict chunk",
	Long: `Remove one chunk from its session. Unlike 'resolve', which flips a
chunk between kept and dropped, this erases the line from the record so a
later commit never considers it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid chunk id %q\n", args[0])
			os.Exit(1)
		}

		st := openStore(cmd)
		defer st.Close()

		if err := st.DeleteConflictChunk(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Chunk %d deleted\n", ui.RenderPass("✓"), id)
	},
}

var conflictDiscardCmd = &cobra.Command{
	Use:   "discard <date>",
	Short: "Drop every recorded conflict for a date",
	Run: func(cmd *cobra.Command, args []string) {
		date := resolveDate(args[0])
		st := openStore(cmd)
		defer st.Close()

		if err := st.DeleteConflictsByDate(cmd.Context(), date); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Discarded conflicts for %s\n", ui.RenderPass("✓"), date)
	},
}

func renderChunk(t diff.Type, text string) string {
	switch t {
	case diff.Add:
		return ui.RenderPass("+ " + text)
	case diff.Rem:
		return ui.RenderErr("- " + text)
	default:
		return "  " + text
	}
}

func init() {
	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictShowCmd)
	conflictCmd.AddCommand(conflictResolveCmd)
	conflictCmd.AddCommand(conflictDropCmd)
	conflictCmd.AddCommand(conflictCommitCmd)
	conflictCmd.AddCommand(conflictDiscardCmd)
	rootCmd.AddCommand(conflictCmd)
}
