package policy

import "strings"

var trivialCommands = map[string]bool{
	"cd": true, "ls": true, "ll": true, "la": true, "pwd": true,
	"clear": true, "reset": true, "history": true, "exit": true, "logout": true,
	"env": true, "printenv": true, "set": true, "export": true, "unset": true,
	"alias": true, "unalias": true, "which": true, "type": true,
	"true": true, "false": true, ":": true,
	"jobs": true, "fg": true, "bg": true,
	"echo": true, "source": true, ".": true,
}

// IsTrivial reports whether the interactive logger should drop cmdline.
func IsTrivial(cmdline string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return true
	}
	return trivialCommands[fields[0]]
}

type Scanners struct {
	tools map[string]bool
}

func NewScanners(tools []string) *Scanners {
	s := &Scanners{tools: make(map[string]bool, len(tools))}
	for _, tool := range tools {
		if tool = strings.TrimSpace(tool); tool != "" {
			s.tools[tool] = true
		}
	}
	return s
}

// Matches reports whether the first token of cmdline is a network scanner
// whose output feeds the host registry.
func (s *Scanners) Matches(cmdline string) bool {
	if s == nil {
		return false
	}
	return s.tools[BaseCommand(cmdline)]
}
