package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	litfd "github.com/litf-dev/litfd"
	"github.com/litf-dev/litfd/exitcodes"
	"github.com/litf-dev/litfd/flags"
	"github.com/litf-dev/litfd/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "litfd"
	app.Usage = "Live test orchestration daemon"
	app.Description = "litfd launches LITF-speaking test runners and streams their progress to websocket subscribers"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if litfd.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else if litfd.IsTestFailureError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			}
		}
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(cliCtx *cli.Context) error {
	logger, err := newLogger(cliCtx.String(flags.LogLevel.Name))
	if err != nil {
		return litfd.NewRuntimeError(err)
	}
	log.SetDefault(logger)

	// Tracing is best effort: without an exporter configured in the
	// environment the daemon still runs.
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName("litfd"),
		otelconfig.WithServiceVersion(Version),
	)
	if err != nil {
		logger.Warn("failed to setup open telemetry, tracing disabled", "err", err)
	} else {
		defer otelShutdown()
	}

	cfg, err := litfd.NewConfig(cliCtx, logger)
	if err != nil {
		return litfd.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("config", "runnerConfig", cfg.RunnerConfig, "toolConfig", cfg.ToolConfigFile,
		"workDir", cfg.WorkDir, "runOnce", cfg.RunOnce, "watch", cfg.Watch)

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := litfd.New(ctx, cfg, Version, func(error) { stop() })
	if err != nil {
		return litfd.NewRuntimeError(fmt.Errorf("failed to create litfd: %w", err))
	}

	svc := service.New(service.Config{LiveRuns: app.LiveRuns})
	svc.Start(ctx)
	defer svc.Shutdown()

	startErr := app.Start(ctx)
	if !cfg.RunOnce && startErr == nil {
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Error("failed to stop cleanly", "err", err)
	}
	return startErr
}

func newLogger(level string) (log.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace":
		lvl = log.LevelTrace
	case "debug":
		lvl = log.LevelDebug
	case "info":
		lvl = log.LevelInfo
	case "warn":
		lvl = log.LevelWarn
	case "error":
		lvl = log.LevelError
	case "crit":
		lvl = log.LevelCrit
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, false)), nil
}
