package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/leash/internal/models"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Circuit breaker state",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List tracked circuits",
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [fingerprint]",
	Short: "Close circuits (all of them without a fingerprint)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBreakerReset,
}

func init() {
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/breaker/status")
	if err != nil {
		return err
	}

	var status []models.BreakerStatus
	if err := json.Unmarshal(resp, &status); err != nil {
		return err
	}

	if len(status) == 0 {
		fmt.Println("No tracked circuits")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tSTATE\tTIMEOUTS\tRETRY IN\tCOMMAND")
	for _, s := range status {
		retry := "-"
		if s.RetryInSec > 0 {
			retry = fmt.Sprintf("%ds", s.RetryInSec)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.Fingerprint, s.State, s.WindowTimeouts, retry, truncate(s.Preview, 50))
	}
	w.Flush()
	return nil
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	body := map[string]string{}
	if len(args) > 0 {
		body["fingerprint"] = args[0]
	}

	resp, err := apiPost("/breaker/reset", body)
	if err != nil {
		return err
	}

	var result struct {
		Reset int `json:"reset"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Reset %d circuit(s)\n", result.Reset)
	return nil
}
