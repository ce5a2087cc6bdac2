package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/leash/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control live tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live tasks",
	RunE:  runTaskList,
}

var taskPollCmd = &cobra.Command{
	Use:   "poll [task-id]",
	Short: "Collect new output from a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskPoll,
}

var taskSendCmd = &cobra.Command{
	Use:   "send [task-id] [input...]",
	Short: "Write a line to a task's stdin",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskSend,
}

var taskKillCmd = &cobra.Command{
	Use:   "kill [task-id]",
	Short: "Terminate a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskKill,
}

func init() {
	taskCmd.AddCommand(taskListCmd, taskPollCmd, taskSendCmd, taskKillCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks")
	if err != nil {
		return err
	}

	var tasks []models.TaskSnapshot
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No live tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tELAPSED\tPOLLS\tBYTES\tCOMMAND")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			t.TaskID,
			t.Status,
			fmtMs(time.Since(t.StartedAt).Milliseconds()),
			t.PollCount,
			t.TotalOutputBytes,
			truncate(t.Command, 60))
	}
	w.Flush()
	return nil
}

func runTaskPoll(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks/"+args[0]+"/poll", nil)
	if err != nil {
		return err
	}

	var res models.RunResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	printRunResult(&res)
	return nil
}

func runTaskSend(cmd *cobra.Command, args []string) error {
	input := strings.Join(args[1:], " ")
	resp, err := apiPost("/tasks/"+args[0]+"/send", map[string]string{"input": input})
	if err != nil {
		return err
	}

	var res models.RunResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Printf("Sent to %s (%s, %s elapsed)\n", res.TaskID, res.Status, fmtMs(res.ElapsedMs))
	return nil
}

func runTaskKill(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks/"+args[0]+"/kill", nil)
	if err != nil {
		return err
	}

	var res models.RunResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	printRunResult(&res)
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
