package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cugtyt/agentflow-distributed/pkg/api"
)

var (
	serverURL string
	timeout   time.Duration
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Command line client for the workflow orchestrator",
	Long: `agentctl talks to the orchestrator's HTTP API.

It submits workflows, follows them to completion, cancels them and shows
the agent fleet as the orchestrator currently sees it.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("AGENTFLOW_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "orchestrator base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(healthCmd)
}

func newClient() *api.Client {
	c := api.NewClient(serverURL)
	c.SetTimeout(timeout)
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(status string) *color.Color {
	switch status {
	case "completed", "healthy", "idle":
		return color.New(color.FgGreen)
	case "failed", "offline", "unhealthy":
		return color.New(color.FgRed)
	case "cancelled", "degraded", "busy":
		return color.New(color.FgYellow)
	case "running", "assigned":
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func printStatus(label, status string) {
	fmt.Printf("%-12s %s\n", label, statusColor(status).Sprint(status))
}
