// Package cli parses the hark command line.
package cli

import (
	"fmt"
	"strings"
)

type Command string

const (
	CommandListen  Command = "listen"
	CommandPause   Command = "pause"
	CommandResume  Command = "resume"
	CommandStop    Command = "stop"
	CommandStatus  Command = "status"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

// commands is ordered as printed in help.
var commands = []struct {
	name    Command
	summary string
	control bool
}{
	{CommandListen, "Stream microphone audio to the recognizer and print transcripts", false},
	{CommandPause, "Pause the running listener (audio is discarded while paused)", true},
	{CommandResume, "Resume a paused listener", true},
	{CommandStop, "Stop the running listener and release the microphone", true},
	{CommandStatus, "Print current listener state", false},
	{CommandDevices, "List available input devices", false},
	{CommandDoctor, "Run configuration and environment checks", false},
	{CommandVersion, "Print version information", false},
	{CommandHelp, "Show this help", false},
}

func lookup(name string) (Command, bool) {
	for _, c := range commands {
		if string(c.name) == name {
			return c.name, true
		}
	}
	return "", false
}

// Control reports whether c is forwarded to a running listener rather than
// executed locally.
func (c Command) Control() bool {
	for _, entry := range commands {
		if entry.name == c {
			return entry.control
		}
	}
	return false
}

type Parsed struct {
	Command    Command
	ConfigPath string
	// LogLevel overrides log.level from the config file when set.
	LogLevel string
	ShowHelp bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, inline := strings.Cut(arg, "=")

		// operand returns the flag value from --flag=value or the next arg.
		operand := func(what string) (string, error) {
			if inline {
				if value == "" {
					return "", fmt.Errorf("%s requires %s", name, what)
				}
				return value, nil
			}
			i++
			if i >= len(args) {
				return "", fmt.Errorf("%s requires %s", name, what)
			}
			return args[i], nil
		}

		switch {
		case arg == "-h" || arg == "--help":
			parsed.Command = CommandHelp
			parsed.ShowHelp = true
		case arg == "--version":
			parsed.Command = CommandVersion
			parsed.ShowHelp = false
		case name == "--config":
			path, err := operand("a path")
			if err != nil {
				return Parsed{}, err
			}
			parsed.ConfigPath = path
		case name == "--log-level":
			level, err := operand("a level")
			if err != nil {
				return Parsed{}, err
			}
			parsed.LogLevel = strings.ToLower(strings.TrimSpace(level))
		case strings.HasPrefix(arg, "-"):
			return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
		default:
			cmd, ok := lookup(arg)
			if !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}
			if i != len(args)-1 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage:\n  %s [--config PATH] [--log-level LEVEL] <command>\n\nCommands:\n", binaryName)
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-9s %s\n", c.name, c.summary)
	}
	b.WriteString(`
Flags:
  --config PATH       Config file path (default: $XDG_CONFIG_HOME/hark/config.jsonc)
  --log-level LEVEL   Override log.level (debug, info, warn, error)
  -h, --help          Show help
  --version           Show version
`)
	return b.String()
}
