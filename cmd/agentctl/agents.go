package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents [agent-id]",
	Short: "List agents, or show one agent's health and status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAgents,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the orchestrator's health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		h, err := newClient().GetHealth(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(h)
		}
		printStatus(h.Service, h.Status)
		fmt.Printf("%-12s %s\n", "Uptime", h.Uptime)
		return nil
	},
}

func runAgents(cmd *cobra.Command, args []string) error {
	client := newClient()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if len(args) == 1 {
		health, err := client.AgentHealth(ctx, args[0])
		if err != nil {
			return err
		}
		status, err := client.AgentStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]any{"health": health, "status": status})
		}
		color.New(color.Bold).Printf("Agent %s (%s)\n", status.AgentID, status.AgentType)
		printStatus("Health", health.Status)
		printStatus("Status", status.Status)
		fmt.Printf("%-12s %s\n", "Capabilities", strings.Join(status.Capabilities, ", "))
		fmt.Printf("%-12s %d/%d\n", "Held", status.HeldTasks, status.MaxConcurrent)
		fmt.Printf("%-12s %d ok, %d failed (%.0f%%)\n", "Tasks", status.Completed, status.Failed, status.SuccessRate*100)
		fmt.Printf("%-12s %s\n", "Uptime", (time.Duration(status.UptimeSeconds) * time.Second).String())
		if health.Host != nil {
			fmt.Printf("%-12s cpu %.1f%%, mem %.1f%%\n", "Host", health.Host.CPUUsage, health.Host.MemoryUsage)
		}
		return nil
	}

	agents, err := client.ListAgents(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(agents)
	}
	if len(agents) == 0 {
		fmt.Println("No agents have reported in.")
		return nil
	}
	for _, a := range agents {
		live := color.GreenString("●")
		if !a.Live {
			live = color.RedString("●")
		}
		fmt.Printf("%s %-32s %-10s %d/%d  %-10s %s\n", live, a.ID, a.Type, a.HeldTasks, a.MaxConcurrent,
			statusColor(a.Status).Sprint(a.Status), strings.Join(a.Capabilities, ","))
	}
	return nil
}
