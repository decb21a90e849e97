package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentgrid/agentgrid/internal/core/comm"
	"github.com/agentgrid/agentgrid/internal/core/observability/log"
	"github.com/agentgrid/agentgrid/internal/gateway"
)

// Config is the daemon configuration: defaults, overlaid by a YAML file
// when --config is given, overlaid by BUSD_* environment variables.
type Config struct {
	AgentID  string         `yaml:"agent_id" envconfig:"AGENT_ID"`
	LogLevel string         `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Gateway  gateway.Config `yaml:"gateway"`
	Bus      comm.Config    `yaml:"bus"`
}

func defaultConfig() Config {
	return Config{
		AgentID:  "busd",
		LogLevel: "info",
		Gateway:  gateway.Config{Host: "0.0.0.0", Port: 8790},
		Bus:      comm.DefaultConfig(),
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("busd", &cfg); err != nil {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

func logLevel(name string) log.Level {
	switch name {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func run(cfg Config) error {
	logger := log.New(logLevel(cfg.LogLevel))

	manager := comm.NewManager(cfg.AgentID, cfg.Bus, logger)
	manager.Start()

	gw := gateway.New(cfg.Gateway, manager, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := gw.Start(ctx)

	if shutdownErr := manager.Shutdown(); shutdownErr != nil {
		logger.Error("manager shutdown failed", log.Error(shutdownErr))
		if err == nil {
			err = shutdownErr
		}
	}
	return err
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "busd",
		Short: "agentgrid message bus daemon",
		Long:  "busd runs the inter-agent message bus with its WebSocket gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
