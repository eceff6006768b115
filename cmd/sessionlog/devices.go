package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known devices with today's runtime",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	store, aggregator, err := openReport()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := aggregator.Summaries(cmd.Context())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No devices have reported yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATUS\tTODAY\tSESSIONS\tLAST ACTIVE")
	for _, s := range summaries {
		lastActive := "never"
		if s.LastActive != nil {
			lastActive = humanize.Time(*s.LastActive)
		}
		today := (time.Duration(s.TodaySeconds) * time.Second).String()
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.DeviceID, s.Status, today, s.SessionCountToday, lastActive)
	}
	return w.Flush()
}
