package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/leash/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live tasks in an interactive terminal UI",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !daemonRunning() {
		fmt.Println("Daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("watch error: %w", err)
	}
	return nil
}

// daemonRunning probes the health endpoint with a short timeout. Any HTTP
// response counts: a degraded daemon still owns the port, and starting a
// second one would not help.
func daemonRunning() bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(apiAddr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemon := exec.Command(exe, "serve")
	// Detach so the daemon survives the watch session.
	configureDaemonProc(daemon)

	// No inherited stdio: the daemon must not write over the TUI or hold
	// the terminal open.
	daemon.Stdin = nil
	daemon.Stdout = nil
	daemon.Stderr = nil

	if err := daemon.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if daemonRunning() {
			fmt.Println(" ready.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" timeout.")
	return fmt.Errorf("daemon started but not reachable at %s", apiAddr)
}
