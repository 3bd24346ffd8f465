package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/epistle/epistle/internal/store"
	"github.com/epistle/epistle/internal/ui"
)

var insertCmd = &cobra.Command{
	Use:   "insert <text>",
	Short: "Capture a text fragment into the cache",
	Long: `Store a fragment in the quick-capture cache, stamped with the current
time. The next sync pass folds it into that day's entry.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		item, err := st.InsertCache(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cached at %s\n", ui.RenderPass("✓"),
			ui.RenderFaint(item.Timestamp.Format(time.RFC3339)))
	},
}

var replaceCmd = &cobra.Command{
	Use:   "replace <date> <text>",
	Short: "Replace the entry for a date",
	Long: `Replace the stored entry for a date (YYYY-MM-DD, or 'today'). When the
new text drops lines from the current entry, the differences are recorded
as a conflict for review; the new text still wins.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		date := resolveDate(args[0])
		st := openStore(cmd)
		defer st.Close()

		session, err := st.UpsertEntry(cmd.Context(), date, strings.Join(args[1:], " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if session != nil {
			fmt.Printf("%s Replaced %s, dropped lines recorded as a conflict\n",
				ui.RenderWarn("⚠"), date)
			fmt.Printf("   Review with 'epistle conflict show %s'\n", date)
			return
		}
		fmt.Printf("%s Replaced %s\n", ui.RenderPass("✓"), date)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <date>",
	Short: "Print the entry for a date",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		date := resolveDate(args[0])
		st := openStore(cmd)
		defer st.Close()

		entry, err := st.GetEntry(cmd.Context(), date)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printEntry(entry)
	},
}

var (
	listFrom  string
	listTo    string
	listStart int
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List entry dates, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore(cmd)
		defer st.Close()

		var min, max *store.Date
		if listFrom != "" {
			d := resolveDate(listFrom)
			min = &d
		}
		if listTo != "" {
			d := resolveDate(listTo)
			max = &d
		}

		dates, err := st.ListDates(cmd.Context(), min, max, listStart, listLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, date := range dates {
			entry, err := st.GetEntry(cmd.Context(), date)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s  %s\n", ui.RenderAccent(string(date)), firstLine(entry.Text))
		}
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search entries by date or text",
	Long: `Find entries. The query may be:

  - 'today' for today's entry
  - a date or date prefix: 2022-03-01, 2022-03, 2022
  - a natural-language date: 'last tuesday', 'three days ago'
  - any other text, matched as a substring of entries and cached fragments`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		query := strings.Join(args, " ")
		st := openStore(cmd)
		defer st.Close()
		runSearch(cmd, st, query)
	},
}

var datePattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

func runSearch(cmd *cobra.Command, st *store.Store, query string) {
	ctx := cmd.Context()

	if query == "today" {
		printEntryForDate(cmd, st, store.Today())
		return
	}

	if datePattern.MatchString(query) {
		if date, err := store.ParseDate(query); err == nil {
			printEntryForDate(cmd, st, date)
			return
		}
		min, max := prefixRange(query)
		dates, err := st.ListDates(ctx, &min, &max, 0, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, date := range dates {
			entry, err := st.GetEntry(ctx, date)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s  %s\n", ui.RenderAccent(string(date)), firstLine(entry.Text))
		}
		return
	}

	if date, ok := naturalDate(query); ok {
		printEntryForDate(cmd, st, date)
		return
	}

	entries, err := st.SearchEntries(ctx, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	items, err := st.SearchCache(ctx, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 && len(items) == 0 {
		fmt.Printf("%s No matches for %q\n", ui.RenderWarn("⚠"), query)
		return
	}
	for _, entry := range entries {
		fmt.Printf("%s  %s\n", ui.RenderAccent(string(entry.Date)), firstLine(entry.Text))
	}
	for _, item := range items {
		fmt.Printf("%s  %s\n",
			ui.RenderFaint(item.Timestamp.Format(time.RFC3339)), firstLine(item.Text))
	}
}

// naturalDate resolves phrases like "last tuesday" to a calendar date.
func naturalDate(query string) (store.Date, bool) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(query, time.Now())
	if err != nil || r == nil {
		return "", false
	}
	return store.DateOf(r.Time), true
}

// prefixRange expands "2022" or "2022-03" to an inclusive date range.
func prefixRange(prefix string) (store.Date, store.Date) {
	if len(prefix) == 4 {
		return store.Date(prefix + "-01-01"), store.Date(prefix + "-12-31")
	}
	min := store.Date(prefix + "-01")
	max := store.DateOf(min.Time().AddDate(0, 1, -1))
	return min, max
}

func resolveDate(arg string) store.Date {
	if arg == "today" {
		return store.Today()
	}
	date, err := store.ParseDate(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return date
}

func printEntryForDate(cmd *cobra.Command, st *store.Store, date store.Date) {
	entry, err := st.GetEntry(cmd.Context(), date)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printEntry(entry)
}

func printEntry(entry store.Entry) {
	fmt.Printf("%s %s\n\n", ui.RenderAccent(string(entry.Date)),
		ui.RenderFaint(entry.LastModified.Format(time.RFC3339)))
	fmt.Println(entry.Text)
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	const maxLen = 72
	if runes := []rune(line); len(runes) > maxLen {
		return string(runes[:maxLen]) + "…"
	}
	return line
}

func init() {
	listCmd.Flags().StringVar(&listFrom, "from", "", "oldest date to list (inclusive)")
	listCmd.Flags().StringVar(&listTo, "to", "", "newest date to list (inclusive)")
	listCmd.Flags().IntVar(&listStart, "start", 0, "number of dates to skip")
	listCmd.Flags().IntVar(&listLimit, "limit", 30, "maximum dates to list (0 for all)")

	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(replaceCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
}
