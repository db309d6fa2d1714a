package console

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ageniuscoder/corelink/internal/presence"
)

type Verb string

const (
	VerbSay        Verb = "say"
	VerbSend       Verb = "send"
	VerbStatus     Verb = "status"
	VerbConnect    Verb = "connect"
	VerbDisconnect Verb = "disconnect"
	VerbTool       Verb = "tool"
	VerbHelp       Verb = "help"
	VerbQuit       Verb = "quit"
)

// Command is one parsed input line.
type Command struct {
	Verb   Verb
	Target string
	Name   string
	Text   string
	Status presence.Status
	Args   map[string]any
}

const helpText = `/send <user> <text>          message one peer
/status <online|away|busy|offline> [project]
/connect <server> [name]      connect a capability server
/disconnect <server>
/tool <server> <tool> [json]  run a tool
/quit
plain text is broadcast to every peer`

// Parse reads a console line. Lines without a leading slash broadcast.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Verb: VerbSay, Text: line}, nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	verb, rest := Verb(strings.ToLower(fields[0])), fields[1:]

	switch verb {
	case VerbHelp, VerbQuit:
		return Command{Verb: verb}, nil
	case VerbSend:
		if len(rest) < 2 {
			return Command{}, fmt.Errorf("usage: /send <user> <text>")
		}
		return Command{Verb: verb, Target: rest[0], Text: strings.Join(rest[1:], " ")}, nil
	case VerbStatus:
		if len(rest) < 1 {
			return Command{}, fmt.Errorf("usage: /status <online|away|busy|offline> [project]")
		}
		st := presence.Status(strings.ToLower(rest[0]))
		switch st {
		case presence.StatusOnline, presence.StatusAway, presence.StatusBusy, presence.StatusOffline:
		default:
			return Command{}, fmt.Errorf("unknown status %q", rest[0])
		}
		cmd := Command{Verb: verb, Status: st}
		if len(rest) > 1 {
			cmd.Target = rest[1]
		}
		return cmd, nil
	case VerbConnect:
		if len(rest) < 1 {
			return Command{}, fmt.Errorf("usage: /connect <server> [name]")
		}
		return Command{Verb: verb, Target: rest[0], Name: strings.Join(rest[1:], " ")}, nil
	case VerbDisconnect:
		if len(rest) != 1 {
			return Command{}, fmt.Errorf("usage: /disconnect <server>")
		}
		return Command{Verb: verb, Target: rest[0]}, nil
	case VerbTool:
		if len(rest) < 2 {
			return Command{}, fmt.Errorf("usage: /tool <server> <tool> [json]")
		}
		cmd := Command{Verb: verb, Target: rest[0], Name: rest[1]}
		if len(rest) > 2 {
			raw := strings.Join(rest[2:], " ")
			if err := json.Unmarshal([]byte(raw), &cmd.Args); err != nil {
				return Command{}, fmt.Errorf("tool arguments must be a JSON object: %w", err)
			}
		}
		return cmd, nil
	}
	return Command{}, fmt.Errorf("unknown command /%s (try /help)", verb)
}
