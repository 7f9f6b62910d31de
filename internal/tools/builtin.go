package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// commandTimeout bounds run_command wall-clock time.
	commandTimeout = 10 * time.Second

	// outputLimit truncates combined command output (8KB).
	outputLimit = 8 << 10
)

func registerBuiltins(r *Registry) {
	r.registerBuiltin(Def{
		Name:        "run_command",
		Description: "Run a shell command in the agent workspace and return its combined output.",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Shell command to execute"},
			},
			"required": []string{"command"},
		}),
	}, runCommand)

	r.registerBuiltin(Def{
		Name:        "send_message",
		Description: "Send a message to another agent. Delivery requires a declared connection to the target.",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target":  map[string]any{"type": "string", "description": "Target agent id"},
				"message": map[string]any{"type": "string"},
				"context": map[string]any{"type": "object", "description": "Optional structured context forwarded with the message"},
			},
			"required": []string{"target", "message"},
		}),
	}, sendMessage)

	r.registerBuiltin(Def{
		Name:        "list_agents",
		Description: "List the agents reachable from this agent.",
		Schema:      mustSchema(map[string]any{"type": "object", "properties": map[string]any{}}),
	}, listAgents)

	r.registerBuiltin(Def{
		Name:        "task_complete",
		Description: "Record that the current task is finished.",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string", "description": "Optional one-line outcome"},
			},
		}),
	}, taskComplete)

	r.registerBuiltin(Def{
		Name:        "request_user_input",
		Description: "Ask the user a question and pause for their answer.",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
			},
			"required": []string{"question"},
		}),
	}, requestUserInput)

	r.registerBuiltin(Def{
		Name:        "read_journal",
		Description: "Read today's journal entries for this agent.",
		Schema:      mustSchema(map[string]any{"type": "object", "properties": map[string]any{}}),
	}, readJournal)

	r.registerBuiltin(Def{
		Name:        "write_journal",
		Description: "Append an entry to this agent's journal.",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entry": map[string]any{"type": "string"},
			},
			"required": []string{"entry"},
		}),
	}, writeJournal)

	r.registerBuiltin(Def{
		Name:        "remember",
		Description: "Store a note in this agent's long-term memory.",
		Schema: mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note": map[string]any{"type": "string"},
			},
			"required": []string{"note"},
		}),
	}, remember)
}

func runCommand(ctx context.Context, args map[string]any, tc Context) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "no command given", nil
	}
	if CommandBlocked(command) {
		return BlockedNotice, nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if tc.Workspace != "" {
		cmd.Dir = tc.Workspace
	}
	output, err := cmd.CombinedOutput()

	result := string(output)
	if len(result) > outputLimit {
		result = result[:outputLimit] + "\n… output truncated"
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result + "\n(command timed out)", nil
	}
	if err != nil {
		return fmt.Sprintf("%s\n(exit error: %v)", result, err), nil
	}
	if result == "" {
		return "(no output)", nil
	}
	return result, nil
}

func sendMessage(ctx context.Context, args map[string]any, tc Context) (string, error) {
	if tc.Mesh == nil {
		return "message bus unavailable", nil
	}
	target, _ := args["target"].(string)
	message, _ := args["message"].(string)
	msgContext, _ := args["context"].(map[string]any)

	if err := tc.Mesh.Send(tc.AgentID, target, message, msgContext); err != nil {
		return err.Error(), nil
	}
	return "message sent to " + target, nil
}

func listAgents(ctx context.Context, args map[string]any, tc Context) (string, error) {
	if tc.Mesh == nil {
		return "message bus unavailable", nil
	}
	roster := tc.Mesh.Roster(tc.AgentID)
	if roster == "" {
		return "no agents reachable", nil
	}
	return roster, nil
}

func taskComplete(ctx context.Context, args map[string]any, tc Context) (string, error) {
	summary, _ := args["summary"].(string)
	if summary != "" {
		return "task recorded as complete: " + summary, nil
	}
	return "task recorded as complete", nil
}

func requestUserInput(ctx context.Context, args map[string]any, tc Context) (string, error) {
	question, _ := args["question"].(string)
	if question == "" {
		return "no question given", nil
	}
	return "waiting for user input: " + question, nil
}

func readJournal(ctx context.Context, args map[string]any, tc Context) (string, error) {
	if tc.Journal == nil {
		return "journal unavailable", nil
	}
	content, err := tc.Journal.ReadToday(tc.AgentID)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "journal is empty", nil
	}
	return content, nil
}

func writeJournal(ctx context.Context, args map[string]any, tc Context) (string, error) {
	if tc.Journal == nil {
		return "journal unavailable", nil
	}
	entry, _ := args["entry"].(string)
	if err := tc.Journal.Append(tc.AgentID, entry); err != nil {
		return "", err
	}
	return "journal updated", nil
}

func remember(ctx context.Context, args map[string]any, tc Context) (string, error) {
	if tc.Journal == nil {
		return "journal unavailable", nil
	}
	note, _ := args["note"].(string)
	if err := tc.Journal.AppendMemory(tc.AgentID, note); err != nil {
		return "", err
	}
	return "noted", nil
}
