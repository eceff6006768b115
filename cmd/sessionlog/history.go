package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/spf13/cobra"
)

var (
	historyFrom string
	historyTo   string
	historyDays int
)

var historyCmd = &cobra.Command{
	Use:   "history DEVICE_ID",
	Short: "Print daily runtime totals for a device",
	Long: `Print one line per day with the device's total runtime. By default the
last seven days up to today are shown; --from and --to select an explicit range.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "First date (YYYY-MM-DD)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "Last date (YYYY-MM-DD), defaults to today")
	historyCmd.Flags().IntVar(&historyDays, "days", 7, "Number of days when --from is not set")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, aggregator, err := openReport()
	if err != nil {
		return err
	}
	defer store.Close()

	to := aggregator.Today()
	if historyTo != "" {
		if to, err = aggregator.ParseDate(historyTo); err != nil {
			return err
		}
	}

	var from time.Time
	if historyFrom != "" {
		if from, err = aggregator.ParseDate(historyFrom); err != nil {
			return err
		}
	} else {
		if historyDays < 1 {
			return fmt.Errorf("--days must be at least 1")
		}
		from = to.AddDate(0, 0, -(historyDays - 1))
	}

	known, err := aggregator.KnownDevice(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("unknown device %q", args[0])
	}

	totals, err := aggregator.Aggregate(cmd.Context(), args[0], from, to)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tHOURS\tSECONDS")
	var total int64
	for _, day := range totals {
		total += day.Seconds
		fmt.Fprintf(w, "%s\t%.2f\t%s\n", day.Date, day.Hours(), humanize.Comma(day.Seconds))
	}
	fmt.Fprintf(w, "TOTAL\t%.2f\t%s\n", usage.DailyTotal{Seconds: total}.Hours(), humanize.Comma(total))
	return w.Flush()
}
