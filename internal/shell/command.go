package shell

import (
	"strings"
)

// Command is a parsed shell line.
type Command struct {
	Name string
	Args []string
	// Rest is everything after the command word, spacing intact.
	Rest string
}

// ParseCommand splits input into a lower-cased command word and its
// arguments.
func ParseCommand(input string) *Command {
	input = strings.TrimSpace(input)
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return &Command{Name: "", Args: []string{}}
	}

	rest := strings.TrimLeft(strings.TrimPrefix(input, parts[0]), " \t")
	return &Command{
		Name: strings.ToLower(parts[0]),
		Args: parts[1:],
		Rest: rest,
	}
}

// helpText lists the built-in commands.
const helpText = `Available commands:
  help            Show this message
  stats           List open connections
  echo <text>     Repeat text back
  history         Show this session's journaled lines
  quit, exit      Close the connection
Any other input is written to the journal.`
