// Package config loads the runner configuration: the list of tools to
// launch and the directories to launch them against. A watcher can
// reload the file on change so long-lived deployments pick up edits
// without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Runner is one configured run: launch Tool against Dir. Name is the
// operator-facing label and defaults to the tool identifier.
type Runner struct {
	Tool string `json:"tool"`
	Name string `json:"name,omitempty"`
	Dir  string `json:"dir,omitempty"`
}

// Load reads and validates a runner configuration file: a JSON array
// of runner entries.
func Load(path string) ([]Runner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runner config: %w", err)
	}

	var runners []Runner
	if err := json.Unmarshal(data, &runners); err != nil {
		return nil, fmt.Errorf("parsing runner config %s: %w", path, err)
	}

	for i := range runners {
		if runners[i].Tool == "" {
			return nil, fmt.Errorf("runner config %s: entry %d has no tool", path, i)
		}
		if runners[i].Name == "" {
			runners[i].Name = runners[i].Tool
		}
	}
	return runners, nil
}
