package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cugtyt/agentflow-distributed/internal/agent"
	"github.com/cugtyt/agentflow-distributed/internal/app"
	"github.com/cugtyt/agentflow-distributed/internal/config"
	"github.com/cugtyt/agentflow-distributed/internal/httpapi"
	"github.com/cugtyt/agentflow-distributed/internal/metrics"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
)

var (
	configFile    string
	envFile       string
	agentID       string
	agentType     string
	capabilities  []string
	maxConcurrent int
)

var rootCmd = &cobra.Command{
	Use:   "agent-runtime",
	Short: "Run one agent that executes workflow steps",
	Long: `Runs a single agent. The agent announces itself on the fleet channel,
heartbeats while alive and executes the steps the orchestrator assigns to
it with the tools of its type.`,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file (default .env)")
	rootCmd.Flags().StringVar(&agentID, "id", "", "agent id (generated when empty)")
	rootCmd.Flags().StringVar(&agentType, "type", "", "agent type: search, booking or general")
	rootCmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "capabilities to advertise (defaults to the type's tools)")
	rootCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "tasks held at once (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if agentType != "" {
		cfg.Agent.Type = agentType
	}
	if len(capabilities) > 0 {
		cfg.Agent.Capabilities = capabilities
	}
	if maxConcurrent > 0 {
		cfg.Agent.MaxConcurrent = maxConcurrent
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer res.Close()
	log := res.Logger

	reg, err := tools.BuiltinRegistry(cfg.Agent.Type, tools.BuiltinOptions{
		Logger:        log,
		FallbackPhone: cfg.Agent.CallFallbackPhone,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	rt, err := agent.New(agent.Options{
		ID:                cfg.Agent.ID,
		Type:              cfg.Agent.Type,
		Capabilities:      cfg.Agent.Capabilities,
		Bus:               res.Bus,
		Tools:             reg,
		MaxConcurrent:     cfg.Agent.MaxConcurrent,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		Logger:            log,
		Metrics:           m,
	})
	if err != nil {
		return err
	}
	if err := rt.Register(ctx); err != nil {
		return err
	}

	serveErr := app.Serve(ctx, cfg.HTTP.Addr, httpapi.AgentRouter(rt, m.Handler()), log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Warn("agent shutdown incomplete", "error", err)
	}
	return serveErr
}
