// Package config holds the declarative agent graph (system.json) and
// the server settings file with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// GraphSpec is the atomic unit of reload: the full declared agent
// graph, its connections, and the external tool server launch specs.
type GraphSpec struct {
	Agents              []Agent               `json:"agents"`
	Connections         []Connection          `json:"connections"`
	ExternalToolServers map[string]ServerSpec `json:"external_tool_servers,omitempty"`
}

// Agent is one node of the graph as declared by the user.
type Agent struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Position *Position `json:"position,omitempty"`
	Data     AgentData `json:"data"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AgentData carries the per-agent behaviour: prompt, optional provider
// override, caps, and cron triggers.
type AgentData struct {
	SystemPrompt  string    `json:"system_prompt"`
	Provider      string    `json:"provider,omitempty"`
	Model         string    `json:"model,omitempty"`
	BaseURL       string    `json:"base_url,omitempty"`
	APIKey        string    `json:"api_key,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	CronJobs      []CronJob `json:"cron_jobs,omitempty"`
}

// CronJob pairs a cron expression with the prompt injected on tick.
type CronJob struct {
	Expression string `json:"expression"`
	Prompt     string `json:"prompt"`
}

// Connection is a directed edge. Data is advisory only; the runtime
// routes exclusively through explicit send_message calls.
type Connection struct {
	ID     string         `json:"id,omitempty"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// ServerSpec is the launch recipe for one external tool server.
type ServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// LoadGraph reads and parses system.json. A missing file yields an
// empty graph, not an error.
func LoadGraph(path string) (*GraphSpec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &GraphSpec{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return ParseGraph(data)
}

// ParseGraph decodes a graph document.
func ParseGraph(data []byte) (*GraphSpec, error) {
	var spec GraphSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	return &spec, nil
}

// SaveGraph persists the submitted document verbatim so the editor's
// layout fields survive untouched.
func SaveGraph(path string, raw []byte) error {
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

// Validate reports per-entry problems without rejecting the whole
// graph; the controller skips bad entries and loads the rest.
func (g *GraphSpec) Validate() []error {
	var errs []error
	seen := make(map[string]bool, len(g.Agents))
	for i, a := range g.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agent %d: missing id", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agent %q: duplicate id", a.ID))
		}
		seen[a.ID] = true
	}
	for i, c := range g.Connections {
		if c.Source == "" || c.Target == "" {
			errs = append(errs, fmt.Errorf("connection %d: missing endpoint", i))
			continue
		}
		if !seen[c.Source] || !seen[c.Target] {
			errs = append(errs, fmt.Errorf("connection %s->%s: unknown agent", c.Source, c.Target))
		}
	}
	for name, s := range g.ExternalToolServers {
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("external tool server %q: missing command", name))
		}
	}
	return errs
}

// AgentByID returns the declared agent spec, if present.
func (g *GraphSpec) AgentByID(id string) (Agent, bool) {
	for _, a := range g.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}
