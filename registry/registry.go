// Package registry maps tool identifiers to the commands that launch
// them. Definitions come from an optional YAML file; a tool with no
// definition falls back to invoking a binary of the same name with the
// target directory as its argument.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// DirPlaceholder marks where the target directory is substituted into
// a command template.
const DirPlaceholder = "{dir}"

// ErrUnknownTool is returned by Resolve in strict mode for tools with
// no definition.
var ErrUnknownTool = errors.New("unknown tool")

// ToolDef is one tool's launch template.
type ToolDef struct {
	// Command is the argv template; occurrences of {dir} are replaced
	// with the target directory. If no placeholder is present the
	// directory is appended as the final argument.
	Command []string `yaml:"command"`
}

type toolsFile struct {
	Tools map[string]ToolDef `yaml:"tools"`
}

// Config contains registry configuration.
type Config struct {
	Log log.Logger
	// ToolConfigFile is the optional YAML definitions file.
	ToolConfigFile string
	// Strict refuses to resolve tools without an explicit definition.
	Strict bool
}

// Registry resolves tool identifiers to launch commands.
type Registry struct {
	cfg   Config
	mu    sync.RWMutex
	tools map[string]ToolDef
}

// NewRegistry creates a registry, loading definitions if a file is
// configured.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	r := &Registry{
		cfg:   cfg,
		tools: make(map[string]ToolDef),
	}
	if cfg.ToolConfigFile != "" {
		if err := r.load(cfg.ToolConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load tool definitions: %w", err)
		}
	}
	cfg.Log.Debug("tool registry loaded", "len(tools)", len(r.tools))
	return r, nil
}

func (r *Registry) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading tool config file: %w", err)
	}

	var f toolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing tool config file: %w", err)
	}

	for name, def := range f.Tools {
		if len(def.Command) == 0 {
			return fmt.Errorf("tool %q has an empty command", name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = f.Tools
	return nil
}

// Resolve returns the argv to launch the given tool against dir.
func (r *Registry) Resolve(tool, dir string) ([]string, error) {
	if tool == "" {
		return nil, errors.New("tool identifier is required")
	}

	r.mu.RLock()
	def, ok := r.tools[tool]
	r.mu.RUnlock()

	if !ok {
		if r.cfg.Strict {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
		}
		return []string{tool, dir}, nil
	}

	argv := make([]string, 0, len(def.Command)+1)
	substituted := false
	for _, arg := range def.Command {
		if strings.Contains(arg, DirPlaceholder) {
			arg = strings.ReplaceAll(arg, DirPlaceholder, dir)
			substituted = true
		}
		argv = append(argv, arg)
	}
	if !substituted {
		argv = append(argv, dir)
	}
	return argv, nil
}

// Tools lists the explicitly defined tool identifiers, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
