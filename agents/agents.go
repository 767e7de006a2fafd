// Package agents maintains the registry of agent definitions a session can
// select from. Definitions live in a directory of YAML files and are
// hot-reloaded when the directory changes.
package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrAgentNotFound indicates the requested agent selector is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultAgentName is the agent used when a client supplies no selector.
const DefaultAgentName = "default"

// Agent is one loadable agent definition.
type Agent struct {
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"systemPrompt"`
	MaxTokens    int64  `yaml:"maxTokens"`
}

func (a Agent) withDefaults() Agent {
	if a.Model == "" {
		a.Model = "claude-sonnet-4-20250514"
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 4096
	}
	return a
}

// Registry holds the currently loaded agent definitions. Safe for
// concurrent use; Reload swaps the whole table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent

	dir string
	log *slog.Logger
}

// NewRegistry loads all agent definitions from dir. An empty dir yields a
// registry containing only the built-in default agent.
func NewRegistry(dir string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{dir: dir, log: log, agents: map[string]Agent{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the definition directory and atomically replaces the
// registry contents. Files that fail to parse are skipped with a warning so
// one bad definition cannot take down the rest.
func (r *Registry) Reload() error {
	agents := map[string]Agent{
		DefaultAgentName: Agent{Name: DefaultAgentName}.withDefaults(),
	}

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil {
			return fmt.Errorf("read agents dir %q: %w", r.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := filepath.Join(r.dir, e.Name())
			b, err := os.ReadFile(path)
			if err != nil {
				r.log.Warn("agents.load.read.fail", slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			var a Agent
			if err := yaml.Unmarshal(b, &a); err != nil {
				r.log.Warn("agents.load.parse.fail", slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			if a.Name == "" {
				a.Name = strings.TrimSuffix(e.Name(), ext)
			}
			agents[a.Name] = a.withDefaults()
		}
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	r.log.Debug("agents.load.ok", slog.Int("count", len(agents)))
	return nil
}

// Get resolves a selector to an agent definition. An empty selector
// resolves to the default agent.
func (r *Registry) Get(selector string) (Agent, error) {
	if selector == "" {
		selector = DefaultAgentName
	}
	r.mu.RLock()
	a, ok := r.agents[selector]
	r.mu.RUnlock()
	if !ok {
		return Agent{}, fmt.Errorf("%w: %q", ErrAgentNotFound, selector)
	}
	return a, nil
}

// Names returns the registered agent names. Order is unspecified.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	return names
}

// Watch reloads the registry whenever the definition directory changes.
// It blocks until the watcher fails or stop is closed.
func (r *Registry) Watch(stop <-chan struct{}) error {
	if r.dir == "" {
		<-stop
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agents watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch agents dir %q: %w", r.dir, err)
	}
	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Warn("agents.reload.fail", slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("agents.watch.err", slog.String("err", err.Error()))
		}
	}
}
