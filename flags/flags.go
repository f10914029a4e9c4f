package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "LITFD"

func prefixEnvVar(name string) []string {
	return []string{fmt.Sprintf("%s_%s", EnvVarPrefix, name)}
}

var (
	RunnerConfig = &cli.StringFlag{
		Name:     "config",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVar("CONFIG"),
		Usage:    "Path to the runner config file (eg. 'runners.json')",
	}
	ToolConfig = &cli.StringFlag{
		Name:    "tools",
		Value:   "",
		EnvVars: prefixEnvVar("TOOLS"),
		Usage:   "Path to the tool definitions file (eg. 'tools.yaml'); tools without a definition run as '<tool> <dir>'",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: prefixEnvVar("WORKDIR"),
		Usage:   "Default directory runs execute in when an entry names none",
	}
	WSHost = &cli.StringFlag{
		Name:    "ws-host",
		Value:   "0.0.0.0",
		EnvVars: prefixEnvVar("WS_HOST"),
		Usage:   "Host the websocket and REST API bind to",
	}
	WSPort = &cli.IntFlag{
		Name:    "ws-port",
		Value:   8765,
		EnvVars: prefixEnvVar("WS_PORT"),
		Usage:   "Port the websocket and REST API bind to",
	}
	RunOnce = &cli.BoolFlag{
		Name:    "run-once",
		Value:   false,
		EnvVars: prefixEnvVar("RUN_ONCE"),
		Usage:   "Run every configured runner once, print the results and exit",
	}
	Watch = &cli.BoolFlag{
		Name:    "watch",
		Value:   false,
		EnvVars: prefixEnvVar("WATCH"),
		Usage:   "Re-launch the configured runners whenever the runner config file changes",
	}
	GraceTimeout = &cli.DurationFlag{
		Name:    "grace-timeout",
		Value:   5 * time.Second,
		EnvVars: prefixEnvVar("GRACE_TIMEOUT"),
		Usage:   "How long a cancelled runner gets between SIGTERM and SIGKILL",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVar("LOG_LEVEL"),
		Usage:   "Log level (trace, debug, info, warn, error, crit)",
	}
)

var requiredFlags = []cli.Flag{
	RunnerConfig,
}

var optionalFlags = []cli.Flag{
	ToolConfig,
	WorkDir,
	WSHost,
	WSPort,
	RunOnce,
	Watch,
	GraceTimeout,
	LogLevel,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
