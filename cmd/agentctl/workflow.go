package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cugtyt/agentflow-distributed/pkg/api"
)

var (
	submitSession  string
	submitUser     string
	submitTitle    string
	submitPriority int
	submitParams   string
	submitPlan     string
	submitWait     bool
	waitInterval   time.Duration
	cancelReason   string
	eventsLimit    int
)

var submitCmd = &cobra.Command{
	Use:   "submit [type]",
	Short: "Submit a workflow from a template or a plan file",
	Long: `Submit a workflow. Either name a template type (restaurant_booking,
place_search, appointment) or pass --plan with a JSON file holding an
array of steps.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var getCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		wf, err := newClient().GetWorkflow(ctx, args[0])
		if err != nil {
			return err
		}
		return showWorkflow(wf)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <workflow-id>",
	Short: "Block until a workflow finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := newClient().WaitWorkflow(cmd.Context(), args[0], waitInterval)
		if err != nil {
			return err
		}
		return showWorkflow(wf)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		wf, err := newClient().CancelWorkflow(ctx, args[0], cancelReason)
		if err != nil {
			return err
		}
		return showWorkflow(wf)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <workflow-id>",
	Short: "Show the event log of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		evs, err := newClient().WorkflowEvents(ctx, args[0], eventsLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(evs)
		}
		for _, ev := range evs {
			line := ev.Type
			if ev.StepID != "" {
				line += " step=" + ev.StepID
			}
			if ev.AgentID != "" {
				line += " agent=" + ev.AgentID
			}
			if ev.Message != "" {
				line += " " + ev.Message
			}
			fmt.Printf("%s  %s\n", color.HiBlackString(ev.Timestamp.Format(time.RFC3339)), line)
		}
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "List the workflows of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		wfs, err := newClient().SessionWorkflows(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(wfs)
		}
		if len(wfs) == 0 {
			fmt.Println("No workflows for this session.")
			return nil
		}
		for _, wf := range wfs {
			fmt.Printf("%s  %-20s %3d%%  %s\n", wf.ID, wf.Type, wf.Progress, statusColor(wf.Status).Sprint(wf.Status))
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitSession, "session", "", "session id (required)")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "user id")
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "workflow title")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 50, "priority from 0 (low) to 100 (high)")
	submitCmd.Flags().StringVar(&submitParams, "params", "", "template parameters as a JSON object")
	submitCmd.Flags().StringVar(&submitPlan, "plan", "", "JSON file with explicit steps")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "follow the workflow until it finishes")
	_ = submitCmd.MarkFlagRequired("session")

	for _, c := range []*cobra.Command{submitCmd, waitCmd} {
		c.Flags().DurationVar(&waitInterval, "interval", time.Second, "poll interval while waiting")
	}
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "only the most recent N events")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := api.WorkflowRequest{
		SessionID: submitSession,
		UserID:    submitUser,
		Title:     submitTitle,
		Priority:  submitPriority,
	}
	if len(args) == 1 {
		req.Type = args[0]
	}
	if submitParams != "" {
		if !json.Valid([]byte(submitParams)) {
			return fmt.Errorf("--params is not valid JSON")
		}
		req.Params = json.RawMessage(submitParams)
	}
	if submitPlan != "" {
		data, err := os.ReadFile(submitPlan)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		if err := json.Unmarshal(data, &req.Steps); err != nil {
			return fmt.Errorf("parse plan %s: %w", submitPlan, err)
		}
	}
	if req.Type == "" && len(req.Steps) == 0 {
		return fmt.Errorf("give a workflow type or --plan")
	}

	client := newClient()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	wf, err := client.SubmitWorkflow(ctx, req)
	if err != nil {
		return err
	}
	if !submitWait {
		return showWorkflow(wf)
	}
	if !jsonOut {
		fmt.Printf("%s Submitted %s, waiting...\n", color.GreenString("✓"), wf.ID)
	}
	wf, err = client.WaitWorkflow(cmd.Context(), wf.ID, waitInterval)
	if err != nil {
		return err
	}
	return showWorkflow(wf)
}

func showWorkflow(wf *api.Workflow) error {
	if jsonOut {
		return printJSON(wf)
	}
	bold := color.New(color.Bold)
	bold.Printf("Workflow %s\n", wf.ID)
	fmt.Printf("%-12s %s\n", "Type", wf.Type)
	if wf.Title != "" {
		fmt.Printf("%-12s %s\n", "Title", wf.Title)
	}
	fmt.Printf("%-12s %s\n", "Session", wf.SessionID)
	printStatus("Status", wf.Status)
	fmt.Printf("%-12s %d%%\n", "Progress", wf.Progress)
	if wf.Error != "" {
		fmt.Printf("%-12s %s\n", "Error", color.RedString(wf.Error))
	}

	fmt.Println()
	bold.Println("Steps")
	for _, s := range wf.Steps {
		agent := s.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Printf("  %-24s %-22s %-28s %s\n", s.Name, s.Capability, agent, statusColor(s.Status).Sprint(s.Status))
		if s.Error != nil {
			fmt.Printf("    %s\n", color.RedString(s.Error.Message))
		}
	}
	if wf.Result != nil && len(wf.Result.Outputs) > 0 {
		fmt.Println()
		bold.Println("Outputs")
		for name, out := range wf.Result.Outputs {
			fmt.Printf("  %s: %s\n", name, string(out))
		}
	}
	return nil
}
