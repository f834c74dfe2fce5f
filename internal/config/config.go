// Package config loads process configuration from built-in defaults, an
// optional YAML file, a .env file and the environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "AGENTFLOW"

type Config struct {
	Bus          BusConfig          `mapstructure:"bus" yaml:"bus"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	HTTP         HTTPConfig         `mapstructure:"http" yaml:"http"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Agent        AgentConfig        `mapstructure:"agent" yaml:"agent"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
}

type BusConfig struct {
	Kind   string `mapstructure:"kind" yaml:"kind"` // nats or memory
	URL    string `mapstructure:"url" yaml:"url"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type StoreConfig struct {
	Kind      string        `mapstructure:"kind" yaml:"kind"` // redis or memory
	RedisURL  string        `mapstructure:"redis_url" yaml:"redis_url"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

type AgentConfig struct {
	ID                string        `mapstructure:"id" yaml:"id"`
	Type              string        `mapstructure:"type" yaml:"type"`
	Capabilities      []string      `mapstructure:"capabilities" yaml:"capabilities"`
	MaxConcurrent     int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	CallFallbackPhone string        `mapstructure:"call_fallback_phone" yaml:"call_fallback_phone"`
}

type OrchestratorConfig struct {
	ID                 string        `mapstructure:"id" yaml:"id"`
	LivenessWindow     time.Duration `mapstructure:"liveness_window" yaml:"liveness_window"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval" yaml:"dispatch_interval"`
	MaxActiveWorkflows int           `mapstructure:"max_active_workflows" yaml:"max_active_workflows"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	TemplatesPath      string        `mapstructure:"templates_path" yaml:"templates_path"`
	ResultsQueue       string        `mapstructure:"results_queue" yaml:"results_queue"`
}

type LoadOptions struct {
	// ConfigFile is an optional YAML file. Missing files are an error only
	// when the path was given explicitly.
	ConfigFile string
	// EnvFile defaults to ".env" and is skipped when absent.
	EnvFile string
}

func Default() *Config {
	return &Config{
		Bus:   BusConfig{Kind: "nats", URL: "nats://localhost:4222", Prefix: "agentflow"},
		Store: StoreConfig{Kind: "redis", RedisURL: "redis://localhost:6379/0", Retention: 168 * time.Hour},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Log:   LogConfig{Level: "info", Format: "text"},
		Agent: AgentConfig{
			Type:              "general",
			MaxConcurrent:     3,
			HeartbeatInterval: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			LivenessWindow:     60 * time.Second,
			SweepInterval:      15 * time.Second,
			DispatchInterval:   2 * time.Second,
			MaxActiveWorkflows: 50,
			MaxRetries:         2,
			ResultsQueue:       "orchestrator",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bus.kind", d.Bus.Kind)
	v.SetDefault("bus.url", d.Bus.URL)
	v.SetDefault("bus.prefix", d.Bus.Prefix)
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.redis_url", d.Store.RedisURL)
	v.SetDefault("store.retention", d.Store.Retention)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("agent.id", d.Agent.ID)
	v.SetDefault("agent.type", d.Agent.Type)
	v.SetDefault("agent.capabilities", d.Agent.Capabilities)
	v.SetDefault("agent.max_concurrent", d.Agent.MaxConcurrent)
	v.SetDefault("agent.heartbeat_interval", d.Agent.HeartbeatInterval)
	v.SetDefault("agent.call_fallback_phone", d.Agent.CallFallbackPhone)
	v.SetDefault("orchestrator.id", d.Orchestrator.ID)
	v.SetDefault("orchestrator.liveness_window", d.Orchestrator.LivenessWindow)
	v.SetDefault("orchestrator.sweep_interval", d.Orchestrator.SweepInterval)
	v.SetDefault("orchestrator.dispatch_interval", d.Orchestrator.DispatchInterval)
	v.SetDefault("orchestrator.max_active_workflows", d.Orchestrator.MaxActiveWorkflows)
	v.SetDefault("orchestrator.max_retries", d.Orchestrator.MaxRetries)
	v.SetDefault("orchestrator.templates_path", d.Orchestrator.TemplatesPath)
	v.SetDefault("orchestrator.results_queue", d.Orchestrator.ResultsQueue)
}

// Load resolves the configuration. Environment variables use the AGENTFLOW_
// prefix with dots replaced by underscores (AGENTFLOW_BUS_URL); the bare
// NATS_URL, REDIS_URL and PORT variables are honoured as well.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("bus.url", EnvPrefix+"_BUS_URL", "NATS_URL")
	_ = v.BindEnv("store.redis_url", EnvPrefix+"_STORE_REDIS_URL", "REDIS_URL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" && os.Getenv(EnvPrefix+"_HTTP_ADDR") == "" {
		cfg.HTTP.Addr = ":" + port
	}
	cfg.Agent.Capabilities = splitList(cfg.Agent.Capabilities)

	return cfg, nil
}

// splitList flattens comma separated entries, which is how lists arrive
// from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Bus.Kind {
	case "nats":
		if c.Bus.URL == "" {
			errs = append(errs, errors.New("bus.url is required for the nats bus"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("bus.kind must be nats or memory, got %q", c.Bus.Kind))
	}
	if c.Bus.Prefix == "" {
		errs = append(errs, errors.New("bus.prefix is required"))
	}
	switch c.Store.Kind {
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.kind must be redis or memory, got %q", c.Store.Kind))
	}
	if c.Store.Retention < 0 {
		errs = append(errs, errors.New("store.retention must not be negative"))
	}
	if c.Agent.MaxConcurrent < 1 {
		errs = append(errs, errors.New("agent.max_concurrent must be at least 1"))
	}
	if c.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("agent.heartbeat_interval must be positive"))
	}
	o := c.Orchestrator
	if o.LivenessWindow <= 0 {
		errs = append(errs, errors.New("orchestrator.liveness_window must be positive"))
	}
	if o.LivenessWindow > 0 && c.Agent.HeartbeatInterval >= o.LivenessWindow {
		errs = append(errs, errors.New("agent.heartbeat_interval must be shorter than orchestrator.liveness_window"))
	}
	if o.SweepInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.sweep_interval must be positive"))
	}
	if o.DispatchInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.dispatch_interval must be positive"))
	}
	if o.MaxActiveWorkflows < 1 {
		errs = append(errs, errors.New("orchestrator.max_active_workflows must be at least 1"))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries must not be negative"))
	}
	if o.ResultsQueue == "" {
		errs = append(errs, errors.New("orchestrator.results_queue is required"))
	}
	return errors.Join(errs...)
}
