package tools

import "strings"

// BlockedNotice is the tool-result returned for denylisted commands.
const BlockedNotice = "⚠ blocked by safety policy"

// commandDenylist is matched by substring against the raw command.
// This is a static tripwire, not a sandbox.
var commandDenylist = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sda",
	":(){ :|:& };:",
	"sudo rm",
}

// CommandBlocked reports whether a shell command trips the denylist.
func CommandBlocked(command string) bool {
	for _, pattern := range commandDenylist {
		if strings.Contains(command, pattern) {
			return true
		}
	}
	return false
}
