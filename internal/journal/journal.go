// Package journal is the append-only on-disk record: per-agent daily
// markdown files plus a long-term memory file per agent. Reflection
// reads the day's journal and appends distilled notes to memory.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Journal writes under root/journal/<agent>/<date>.md and
// root/memory/<agent>.md.
type Journal struct {
	root string
	now  func() time.Time
}

func New(root string) *Journal {
	return &Journal{root: root, now: time.Now}
}

// Append adds a timestamped entry to today's journal file for the
// agent.
func (j *Journal) Append(agent, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	dir := filepath.Join(j.root, "journal", sanitize(agent))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal dir: %w", err)
	}
	now := j.now()
	path := filepath.Join(dir, now.Format("2006-01-02")+".md")
	entry := fmt.Sprintf("## %s\n\n%s\n\n", now.Format("15:04:05"), text)
	return appendFile(path, entry)
}

// ReadDay returns the journal content for the given day, empty string
// if none exists.
func (j *Journal) ReadDay(agent string, day time.Time) (string, error) {
	path := filepath.Join(j.root, "journal", sanitize(agent), day.Format("2006-01-02")+".md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read journal: %w", err)
	}
	return string(data), nil
}

// ReadToday returns today's journal content for the agent.
func (j *Journal) ReadToday(agent string) (string, error) {
	return j.ReadDay(agent, j.now())
}

// AppendMemory adds an entry to the agent's long-term memory file.
func (j *Journal) AppendMemory(agent, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	dir := filepath.Join(j.root, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(agent)+".md")
	entry := fmt.Sprintf("- %s %s\n", j.now().Format("2006-01-02"), text)
	return appendFile(path, entry)
}

// ReadMemory returns the agent's long-term memory, empty if none.
func (j *Journal) ReadMemory(agent string) (string, error) {
	path := filepath.Join(j.root, "memory", sanitize(agent)+".md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

func appendFile(path, entry string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// sanitize keeps agent ids safe as path segments.
func sanitize(agent string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, agent)
}
