package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/weftworks/loom/internal/journal"
)

type fakeMesh struct {
	sent    []string
	sendErr error
	roster  string
}

func (m *fakeMesh) Send(from, to, message string, context map[string]any) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, from+"->"+to+": "+message)
	return nil
}

func (m *fakeMesh) Roster(requester string) string { return m.roster }

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	result, err := r.Dispatch(context.Background(), "frobnicate", nil, Context{})
	if err != nil {
		t.Fatalf("unknown tool must not error: %v", err)
	}
	if result != "unknown tool: frobnicate" {
		t.Errorf("result = %q", result)
	}
}

func TestDispatchDynamicShadowsBuiltin(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Register(Def{
		Name:   "list_agents",
		Schema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args map[string]any, tc Context) (string, error) {
		return "shadowed", nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	result, _ := r.Dispatch(context.Background(), "list_agents", nil, Context{Mesh: &fakeMesh{roster: "real"}})
	if result != "shadowed" {
		t.Errorf("dynamic registration must shadow the builtin, got %q", result)
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry(nil, nil)
	schema := json.RawMessage(`{"type":"object"}`)
	mk := func(out string) Handler {
		return func(ctx context.Context, args map[string]any, tc Context) (string, error) {
			return out, nil
		}
	}
	if err := r.Register(Def{Name: "plug", Schema: schema}, mk("v1")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Def{Name: "plug", Schema: schema}, mk("v2")); err != nil {
		t.Fatal(err)
	}
	result, _ := r.Dispatch(context.Background(), "plug", nil, Context{})
	if result != "v2" {
		t.Errorf("re-registration must replace the handler, got %q", result)
	}
	count := 0
	for _, d := range r.Defs() {
		if d.Name == "plug" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("catalog holds %d defs for the same name", count)
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Register(Def{Name: "bad", Schema: json.RawMessage(`{"type": 42}`)},
		func(ctx context.Context, args map[string]any, tc Context) (string, error) { return "", nil })
	if err == nil {
		t.Error("expected schema validation error")
	}
}

func TestDefsOrdered(t *testing.T) {
	r := NewRegistry(nil, nil)
	defs := r.Defs()
	if len(defs) == 0 || defs[0].Name != "run_command" {
		t.Fatalf("builtins must lead the catalog, got %+v", defs)
	}
	for _, d := range defs {
		if d.Origin != OriginBuiltin {
			t.Errorf("unexpected origin %s for %s", d.Origin, d.Name)
		}
		if len(d.Schema) == 0 {
			t.Errorf("tool %s has no schema", d.Name)
		}
	}
}

func TestRunCommandEcho(t *testing.T) {
	r := NewRegistry(nil, nil)
	result, err := r.Dispatch(context.Background(), "run_command",
		map[string]any{"command": "echo hello"}, Context{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if strings.TrimSpace(result) != "hello" {
		t.Errorf("result = %q", result)
	}
}

func TestRunCommandBlocked(t *testing.T) {
	blocked := []string{
		"rm -rf /",
		"echo hi && rm -rf /*",
		"sudo rm -r /etc",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
	}
	for _, cmd := range blocked {
		result, err := runCommand(context.Background(), map[string]any{"command": cmd}, Context{})
		if err != nil {
			t.Fatalf("%q: %v", cmd, err)
		}
		if result != BlockedNotice {
			t.Errorf("%q: result = %q, want blocked notice", cmd, result)
		}
	}
}

func TestRunCommandAllowsOrdinary(t *testing.T) {
	if CommandBlocked("rm -rf ./build") {
		t.Error("relative rm must not trip the denylist")
	}
	if CommandBlocked("ls -la") {
		t.Error("ls must not trip the denylist")
	}
}

func TestRunCommandTruncatesOutput(t *testing.T) {
	result, err := runCommand(context.Background(),
		map[string]any{"command": "head -c 20000 /dev/zero | tr '\\0' 'x'"}, Context{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result) > outputLimit+64 {
		t.Errorf("output not truncated: %d bytes", len(result))
	}
	if !strings.Contains(result, "output truncated") {
		t.Error("truncation marker missing")
	}
}

func TestSendMessagePermissionDenied(t *testing.T) {
	mesh := &fakeMesh{sendErr: errors.New("no permission: agent a cannot message b")}
	result, err := sendMessage(context.Background(),
		map[string]any{"target": "b", "message": "hi"}, Context{AgentID: "a", Mesh: mesh})
	if err != nil {
		t.Fatalf("bus errors must come back as result strings: %v", err)
	}
	if result != "no permission: agent a cannot message b" {
		t.Errorf("result = %q", result)
	}
}

func TestSendMessageDelivered(t *testing.T) {
	mesh := &fakeMesh{}
	result, err := sendMessage(context.Background(),
		map[string]any{"target": "b", "message": "hi"}, Context{AgentID: "a", Mesh: mesh})
	if err != nil {
		t.Fatal(err)
	}
	if result != "message sent to b" {
		t.Errorf("result = %q", result)
	}
	if len(mesh.sent) != 1 || mesh.sent[0] != "a->b: hi" {
		t.Errorf("send not forwarded: %v", mesh.sent)
	}
}

func TestJournalBuiltins(t *testing.T) {
	j := journal.New(t.TempDir())
	tc := Context{AgentID: "planner", Journal: j}

	result, err := writeJournal(context.Background(), map[string]any{"entry": "shipped the fix"}, tc)
	if err != nil || result != "journal updated" {
		t.Fatalf("write_journal = %q, %v", result, err)
	}
	result, err = readJournal(context.Background(), nil, tc)
	if err != nil || !strings.Contains(result, "shipped the fix") {
		t.Fatalf("read_journal = %q, %v", result, err)
	}
	result, err = remember(context.Background(), map[string]any{"note": "prefers short replies"}, tc)
	if err != nil || result != "noted" {
		t.Fatalf("remember = %q, %v", result, err)
	}
}

func TestReadJournalEmpty(t *testing.T) {
	tc := Context{AgentID: "planner", Journal: journal.New(t.TempDir())}
	result, err := readJournal(context.Background(), nil, tc)
	if err != nil || result != "journal is empty" {
		t.Errorf("read_journal on empty = %q, %v", result, err)
	}
}
