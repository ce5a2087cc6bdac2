package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/leash/internal/models"
)

var (
	runPTY     bool
	runTimeout int
	runYield   float64
	runDesc    string
	runFollow  bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command...>",
	Short: "Run a shell command under supervision",
	Long: `Submits a command to the daemon. A fast command returns its full result; a
slow one yields a task id to poll. With --follow, output is streamed until
the command finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runPTY, "pty", false, "run under a pseudo-terminal")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "hard timeout in seconds (0 uses the daemon default)")
	runCmd.Flags().Float64Var(&runYield, "yield", 0, "seconds before yielding a running task (0 uses the daemon default)")
	runCmd.Flags().StringVar(&runDesc, "desc", "", "short description recorded with the task")
	runCmd.Flags().BoolVar(&runFollow, "follow", false, "poll until the command finishes")
}

func runRun(cmd *cobra.Command, args []string) error {
	req := models.RunRequest{
		Command:       strings.Join(args, " "),
		Description:   runDesc,
		TimeoutSec:    runTimeout,
		YieldAfterSec: runYield,
		PTY:           runPTY,
	}

	body, err := apiPostBlocking("/run", req)
	if err != nil {
		return err
	}
	var res models.RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}

	if res.Status != models.TaskStatusRunning || !runFollow {
		printRunResult(&res)
		return nil
	}

	// Follow mode: stream output as it arrives, summary at the end.
	fmt.Print(res.Output)
	for res.Status == models.TaskStatusRunning {
		body, err := apiPostBlocking("/tasks/"+res.TaskID+"/poll", nil)
		if err != nil {
			return err
		}
		var next models.RunResult
		if err := json.Unmarshal(body, &next); err != nil {
			return err
		}
		fmt.Print(next.Output)
		next.Output = ""
		res = next
	}
	printRunResult(&res)
	return nil
}

// printRunResult pretty-prints a run, poll, send or kill response.
func printRunResult(res *models.RunResult) {
	if res.Status == models.TaskStatusRefused && res.Refusal != nil {
		r := res.Refusal
		fmt.Printf("REFUSED: %s\n", r.Message)
		fmt.Printf("  fingerprint: %s\n", r.Fingerprint)
		fmt.Printf("  state:       %s\n", r.State)
		if r.RetryInSec > 0 {
			fmt.Printf("  retry in:    %ds\n", r.RetryInSec)
		}
		fmt.Printf("Override with: leash breaker reset %s\n", r.Fingerprint)
		return
	}

	if res.TaskID != "" {
		fmt.Printf("Task:   %s\n", res.TaskID)
	}
	fmt.Printf("Status: %s", res.Status)
	if res.ExitCode != nil {
		fmt.Printf(" (exit %d)", *res.ExitCode)
	}
	if len(res.Pipestatus) > 1 {
		fmt.Printf(", pipestatus %v", res.Pipestatus)
	}
	fmt.Printf(", %s elapsed\n", fmtMs(res.ElapsedMs))

	if res.Status == models.TaskStatusRunning {
		if res.Estimate != nil && res.Estimate.Samples > 0 {
			fmt.Printf("Typical: ~%s (p90 %s, %d runs)\n",
				fmtMs(res.Estimate.MedianMs), fmtMs(res.Estimate.P90Ms), res.Estimate.Samples)
		}
		fmt.Printf("Poll with: leash task poll %s\n", res.TaskID)
	}

	for _, in := range res.Insights {
		fmt.Printf("  [%s] %s\n", in.Level, in.Message)
	}
	if res.Suggestion != "" {
		fmt.Printf("  hint: %s\n", res.Suggestion)
	}

	if res.Output != "" {
		fmt.Println("--- OUTPUT ---")
		fmt.Print(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Println()
		}
	}
	if res.OutputTruncated {
		fmt.Printf("(output truncated, %d bytes total)\n", res.TotalOutputBytes)
	}
}

func fmtMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
