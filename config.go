package litfd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/litf-dev/litfd/flags"
)

// Config holds the application configuration.
type Config struct {
	RunnerConfig   string        // Path to the runner config file
	ToolConfigFile string        // Optional tool definitions file
	WorkDir        string        // Default directory runs execute in
	WSHost         string        // Websocket / REST bind host
	WSPort         int           // Websocket / REST bind port
	RunOnce        bool          // Run every configured runner once and exit
	Watch          bool          // Re-launch runners on config change
	GraceTimeout   time.Duration // SIGTERM to SIGKILL window for cancelled runners
	Log            log.Logger
}

// NewConfig creates a new Config from cli context.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	runnerConfig := ctx.String(flags.RunnerConfig.Name)
	if runnerConfig == "" {
		return nil, errors.New("runner config file is required")
	}
	absRunnerConfig, err := filepath.Abs(runnerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for runner config '%s': %w", runnerConfig, err)
	}

	toolConfig := ctx.String(flags.ToolConfig.Name)
	if toolConfig != "" {
		toolConfig, err = filepath.Abs(toolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for tool config '%s': %w", toolConfig, err)
		}
	}

	workDir, err := filepath.Abs(ctx.String(flags.WorkDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for workdir: %w", err)
	}

	runOnce := ctx.Bool(flags.RunOnce.Name)
	watch := ctx.Bool(flags.Watch.Name)
	if runOnce && watch {
		return nil, errors.New("run-once and watch are mutually exclusive")
	}

	return &Config{
		RunnerConfig:   absRunnerConfig,
		ToolConfigFile: toolConfig,
		WorkDir:        workDir,
		WSHost:         ctx.String(flags.WSHost.Name),
		WSPort:         ctx.Int(flags.WSPort.Name),
		RunOnce:        runOnce,
		Watch:          watch,
		GraceTimeout:   ctx.Duration(flags.GraceTimeout.Name),
		Log:            logger,
	}, nil
}
