package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleGraph = `{
  "agents": [
    {"id": "planner", "name": "Planner", "position": {"x": 10, "y": 20},
     "data": {"system_prompt": "You plan.", "provider": "anthropic",
              "max_iterations": 12,
              "cron_jobs": [{"expression": "0 9 * * *", "prompt": "daily review"}]}},
    {"id": "executor", "name": "Executor", "data": {"system_prompt": "You execute."}}
  ],
  "connections": [
    {"id": "c1", "source": "planner", "target": "executor", "data": {"condition": "ignored"}}
  ],
  "external_tool_servers": {
    "files": {"command": "file-server", "args": ["--root", "/tmp"], "env": {"DEBUG": "1"}}
  }
}`

func TestParseGraph(t *testing.T) {
	spec, err := ParseGraph([]byte(sampleGraph))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(spec.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(spec.Agents))
	}
	if spec.Agents[0].Data.CronJobs[0].Expression != "0 9 * * *" {
		t.Errorf("cron job not parsed: %+v", spec.Agents[0].Data.CronJobs)
	}
	if spec.Connections[0].Source != "planner" || spec.Connections[0].Target != "executor" {
		t.Errorf("connection not parsed: %+v", spec.Connections[0])
	}
	srv, ok := spec.ExternalToolServers["files"]
	if !ok || srv.Command != "file-server" || srv.Env["DEBUG"] != "1" {
		t.Errorf("external server not parsed: %+v", srv)
	}
	if errs := spec.Validate(); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestValidateReportsPerEntry(t *testing.T) {
	spec := &GraphSpec{
		Agents: []Agent{
			{ID: "a"},
			{ID: ""},
			{ID: "a"},
		},
		Connections: []Connection{
			{Source: "a", Target: "ghost"},
		},
		ExternalToolServers: map[string]ServerSpec{"bad": {}},
	}
	errs := spec.Validate()
	if len(errs) != 4 {
		t.Errorf("expected 4 errors, got %d: %v", len(errs), errs)
	}
}

func TestLoadGraphMissingFile(t *testing.T) {
	spec, err := LoadGraph(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should load empty graph: %v", err)
	}
	if len(spec.Agents) != 0 {
		t.Errorf("expected empty graph, got %+v", spec)
	}
}

func TestSaveGraphVerbatim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	raw := []byte(sampleGraph)
	if err := SaveGraph(path, raw); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(back) != sampleGraph {
		t.Error("graph document was not persisted verbatim")
	}
}

func TestSettingsEnvOverride(t *testing.T) {
	t.Setenv("LOOM_PROVIDER", "openai")
	t.Setenv("LOOM_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Provider.Kind != "openai" || s.Provider.Model != "gpt-4o" {
		t.Errorf("env override not applied: %+v", s.Provider)
	}
	if s.Provider.APIKey != "sk-test" {
		t.Errorf("credential fallback not applied: %q", s.Provider.APIKey)
	}
	if s.SessionMaxLen != 80 {
		t.Errorf("expected default session length 80, got %d", s.SessionMaxLen)
	}
}

func TestSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	content := "listen: \":9000\"\nsession_max_len: 40\nprovider:\n  kind: openai\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Listen != ":9000" || s.SessionMaxLen != 40 || s.Provider.Kind != "openai" {
		t.Errorf("file settings not applied: %+v", s)
	}
}
