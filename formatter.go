package litfd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/litf-dev/litfd/litf"
	"github.com/litf-dev/litfd/runstate"
)

// printResultsTable renders the final state of every run to stdout.
func (a *App) printResultsTable(snapshots []*runstate.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Test Run Results")

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Errored", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Errored", Align: text.AlignRight},
	})

	var totals runstate.Stats
	worst := litf.StatusPassed

	for _, snap := range snapshots {
		st := snap.Stats()
		totals.Total += st.Total
		totals.Passed += st.Passed
		totals.Failed += st.Failed
		totals.Skipped += st.Skipped
		totals.Errored += st.Errored

		outcome := st.Outcome()
		if snap.Phase == runstate.PhaseCrashed {
			outcome = litf.StatusErrored
		}
		if statusRank(outcome) > statusRank(worst) {
			worst = outcome
		}

		t.AppendRow(table.Row{
			"Run",
			fmt.Sprintf("%s (%s, %s)", snap.RunID, snap.Tool, snap.Phase),
			"-",
			st.Total,
			st.Passed,
			st.Failed,
			st.Skipped,
			st.Errored,
			statusString(outcome),
		})

		appendLeafRows(t, snap.Root, 0)
		t.AppendSeparator()
	}

	if worst == litf.StatusPassed && totals.Failed == 0 && totals.Errored == 0 {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else if worst == litf.StatusSkipped {
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		"",
		totals.Total,
		totals.Passed,
		totals.Failed,
		totals.Skipped,
		totals.Errored,
		statusString(totals.Outcome()),
	})

	t.Render()
}

// appendLeafRows walks the tree and emits one row per test, indented
// under its suites.
func appendLeafRows(t table.Writer, n *runstate.NodeSnapshot, depth int) {
	for i, c := range n.Children {
		last := i == len(n.Children)-1
		prefix := strings.Repeat("│   ", depth)
		if last {
			prefix += "└── "
		} else {
			prefix += "├── "
		}

		if len(c.Children) > 0 {
			t.AppendRow(table.Row{
				"Suite", prefix + c.Name, formatMillis(c.DurationMS), "-", "", "", "", "", statusString(c.Status),
			})
			appendLeafRows(t, c, depth+1)
			continue
		}

		t.AppendRow(table.Row{
			"Test",
			prefix + c.Name,
			formatMillis(c.DurationMS),
			"1",
			boolToInt(c.Status == litf.StatusPassed),
			boolToInt(c.Status == litf.StatusFailed),
			boolToInt(c.Status == litf.StatusSkipped),
			boolToInt(c.Status == litf.StatusErrored),
			statusString(c.Status),
		})
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// statusRank orders outcomes worst-first for reduction across runs.
func statusRank(s litf.Status) int {
	switch s {
	case litf.StatusFailed:
		return 4
	case litf.StatusErrored:
		return 3
	case litf.StatusSkipped:
		return 2
	case litf.StatusPassed:
		return 1
	default:
		return 0
	}
}

func statusString(s litf.Status) string {
	switch s {
	case litf.StatusPassed:
		return "✓ pass"
	case litf.StatusSkipped:
		return "- skip"
	case litf.StatusFailed:
		return "✗ fail"
	case litf.StatusErrored:
		return "! error"
	default:
		return string(s)
	}
}

func formatMillis(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", ms)
}
