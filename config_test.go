package litfd

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/litf-dev/litfd/flags"
	"github.com/litf-dev/litfd/litf"
	"github.com/litf-dev/litfd/runstate"
)

func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = NewConfig(ctx, log.New())
		return nil
	}
	require.NoError(t, app.Run(append([]string{"litfd"}, args...)))
	return cfg, cfgErr
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--config", "runners.json")
	require.NoError(t, err)

	assert.True(t, len(cfg.RunnerConfig) > 0 && cfg.RunnerConfig[0] == '/', "runner config path must be absolute")
	assert.Equal(t, "0.0.0.0", cfg.WSHost)
	assert.Equal(t, 8765, cfg.WSPort)
	assert.False(t, cfg.RunOnce)
	assert.False(t, cfg.Watch)
}

func TestNewConfigRunOnceAndWatchAreExclusive(t *testing.T) {
	_, err := parseConfig(t, "--config", "runners.json", "--run-once", "--watch")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestSummarizeFailures(t *testing.T) {
	passed := &runstate.Snapshot{
		Phase: runstate.PhaseCompleted,
		Root: &runstate.NodeSnapshot{Children: []*runstate.NodeSnapshot{
			{Name: "root", Status: litf.StatusPassed, Children: []*runstate.NodeSnapshot{
				{Name: "t1", Status: litf.StatusPassed},
			}},
		}},
	}
	failed := &runstate.Snapshot{
		Phase: runstate.PhaseCompleted,
		Root: &runstate.NodeSnapshot{Children: []*runstate.NodeSnapshot{
			{Name: "root", Status: litf.StatusFailed, Children: []*runstate.NodeSnapshot{
				{Name: "t1", Status: litf.StatusFailed},
			}},
		}},
	}
	crashed := &runstate.Snapshot{
		Phase: runstate.PhaseCrashed,
		Root: &runstate.NodeSnapshot{Children: []*runstate.NodeSnapshot{
			{Name: "root", Status: litf.StatusPassed, Children: []*runstate.NodeSnapshot{
				{Name: "t1", Status: litf.StatusPassed},
			}},
		}},
	}

	_, bad := summarizeFailures([]*runstate.Snapshot{passed})
	assert.False(t, bad)

	msg, bad := summarizeFailures([]*runstate.Snapshot{passed, failed})
	assert.True(t, bad)
	assert.Contains(t, msg, "1 of 2 runs failed")

	// A crashed run counts as a failure even if every reported test
	// passed before the crash.
	_, bad = summarizeFailures([]*runstate.Snapshot{crashed})
	assert.True(t, bad)
}
