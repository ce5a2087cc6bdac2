package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/leash/internal/models"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Learning store views",
}

var learnStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learning store aggregates and session counters",
	RunE:  runLearnStats,
}

var learnQueryCmd = &cobra.Command{
	Use:   "query [command...]",
	Short: "Show what the store knows about a command pattern",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLearnQuery,
}

func init() {
	learnCmd.AddCommand(learnStatsCmd, learnQueryCmd)
}

func runLearnStats(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/learn/stats")
	if err != nil {
		return err
	}

	var stats models.LearnStats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Observations: %d (%.1f decayed weight)\n", stats.TotalObservations, stats.TotalWeight)
	fmt.Printf("Templates:    %d\n", stats.DistinctTemplates)
	if stats.OldestObservation != nil {
		fmt.Printf("Oldest:       %s\n", stats.OldestObservation.Local().Format("2006-01-02 15:04"))
	}

	s := stats.Session
	fmt.Printf("\nSession %s\n", s.SessionID)
	fmt.Printf("  commands:  %d (%d ok, %d failed, %d timed out)\n",
		s.Commands, s.Successes, s.Failures, s.Timeouts)
	if s.Commands > 0 {
		fmt.Printf("  success:   %.0f%%\n", s.SuccessRate*100)
		fmt.Printf("  avg time:  %s\n", fmtMs(s.AvgDurationMs))
	}
	if s.Retries > 0 {
		fmt.Printf("  retries:   %d\n", s.Retries)
	}

	if len(stats.HotPatterns) > 0 {
		fmt.Println("\nHot patterns:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TEMPLATE\tWEIGHT\tSUCCESS\tAVG")
		for _, p := range stats.HotPatterns {
			fmt.Fprintf(w, "  %s\t%.1f\t%.0f%%\t%s\n",
				truncate(p.Template, 50), p.Weight, p.SuccessRate*100, fmtMs(p.AvgDurationMs))
		}
		w.Flush()
	}
	return nil
}

func runLearnQuery(cmd *cobra.Command, args []string) error {
	command := strings.Join(args, " ")
	resp, err := apiGet("/learn/query?command=" + url.QueryEscape(command))
	if err != nil {
		return err
	}

	var stats models.PatternStats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Template: %s\n", stats.Template)
	if !stats.Known {
		fmt.Println("No history for this pattern yet")
		return nil
	}

	fmt.Printf("Weight:   %.1f observations\n", stats.Observations)
	fmt.Printf("Success:  %.0f%%\n", stats.SuccessRate*100)
	if stats.TimeoutRate > 0 {
		fmt.Printf("Timeouts: %.0f%%\n", stats.TimeoutRate*100)
	}
	fmt.Printf("Avg time: %s\n", fmtMs(stats.AvgDurationMs))
	if stats.Streak != 0 {
		kind := "successes"
		if stats.Streak < 0 {
			kind = "failures"
		}
		fmt.Printf("Streak:   %d consecutive %s\n", abs(stats.Streak), kind)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
