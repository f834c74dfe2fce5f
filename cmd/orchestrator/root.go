package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cugtyt/agentflow-distributed/internal/agent"
	"github.com/cugtyt/agentflow-distributed/internal/app"
	"github.com/cugtyt/agentflow-distributed/internal/config"
	"github.com/cugtyt/agentflow-distributed/internal/eventbus"
	"github.com/cugtyt/agentflow-distributed/internal/httpapi"
	"github.com/cugtyt/agentflow-distributed/internal/metrics"
	"github.com/cugtyt/agentflow-distributed/internal/orchestrator"
	"github.com/cugtyt/agentflow-distributed/internal/planner"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
)

var (
	configFile string
	envFile    string
	withAgents bool
	addr       string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the workflow orchestrator",
	Long: `Runs the orchestrator: accepts workflows over HTTP, hands ready steps to
capability-matched agents over the bus and folds their results back into
the workflow documents.

With --with-agents the orchestrator also starts one agent of every built-in
type in-process on the memory bus and store, which is enough to try the
system without NATS or Redis.`,
	SilenceUsage: true,
	RunE:         runOrchestrator,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file (default .env)")
	rootCmd.Flags().BoolVar(&withAgents, "with-agents", false, "start a local agent fleet on the memory bus and store")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	if withAgents {
		cfg.Bus.Kind = "memory"
		cfg.Store.Kind = "memory"
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer res.Close()
	log := res.Logger

	plan := planner.New()
	if cfg.Orchestrator.TemplatesPath != "" {
		if err := plan.LoadTemplatesFile(cfg.Orchestrator.TemplatesPath); err != nil {
			return err
		}
	}

	m := metrics.New()
	opts := orchestrator.Options{
		ID:                 cfg.Orchestrator.ID,
		Bus:                res.Bus,
		Store:              res.Workflows,
		Planner:            plan,
		LivenessWindow:     cfg.Orchestrator.LivenessWindow,
		SweepInterval:      cfg.Orchestrator.SweepInterval,
		DispatchInterval:   cfg.Orchestrator.DispatchInterval,
		MaxActiveWorkflows: cfg.Orchestrator.MaxActiveWorkflows,
		MaxRetries:         cfg.Orchestrator.MaxRetries,
		Logger:             log,
		Metrics:            m,
	}
	if res.Heartbeats != nil {
		opts.Heartbeats = res.Heartbeats
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	if withAgents {
		fleet, err := startLocalFleet(ctx, cfg, res.Bus, m, log)
		if err != nil {
			return err
		}
		defer shutdownFleet(fleet, log)
	}

	server := httpapi.NewServer(httpapi.Options{Coordinator: orch, Metrics: m.Handler(), Logger: log})
	err = app.Serve(ctx, cfg.HTTP.Addr, server.Router(), log)
	log.Info("orchestrator shutting down")
	return err
}

func startLocalFleet(ctx context.Context, cfg *config.Config, bus eventbus.EventBus, m *metrics.Metrics, log *slog.Logger) ([]*agent.Runtime, error) {
	var fleet []*agent.Runtime
	for _, agentType := range tools.BuiltinAgentTypes {
		reg, err := tools.BuiltinRegistry(agentType, tools.BuiltinOptions{Logger: log, FallbackPhone: cfg.Agent.CallFallbackPhone})
		if err != nil {
			shutdownFleet(fleet, log)
			return nil, err
		}
		rt, err := agent.New(agent.Options{
			Type:              agentType,
			Bus:               bus,
			Tools:             reg,
			MaxConcurrent:     cfg.Agent.MaxConcurrent,
			HeartbeatInterval: cfg.Agent.HeartbeatInterval,
			Logger:            log,
			Metrics:           m,
		})
		if err != nil {
			shutdownFleet(fleet, log)
			return nil, err
		}
		if err := rt.Register(ctx); err != nil {
			shutdownFleet(fleet, log)
			return nil, err
		}
		fleet = append(fleet, rt)
	}
	log.Info("local agent fleet started", "agents", len(fleet))
	return fleet, nil
}

func shutdownFleet(fleet []*agent.Runtime, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, rt := range fleet {
		if err := rt.Shutdown(ctx); err != nil {
			log.Warn("agent shutdown incomplete", "agent_id", rt.ID(), "error", err)
		}
	}
}
