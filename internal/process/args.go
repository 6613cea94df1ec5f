package process

import (
	"fmt"

	"github.com/mattn/go-shellwords"
)

// SplitArgs splits a parameter string into argv entries with shell quoting
// rules: whitespace separates arguments, single quotes are literal and
// double quotes allow backslash escapes. Nothing is expanded, and shell
// operators (`;`, `|`, `&`, redirections) outside quotes are rejected since
// the executable is started without a shell.
func SplitArgs(s string) ([]string, error) {
	p := shellwords.NewParser()
	args, err := p.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parameters %q: %w", s, err)
	}
	if p.Position > 0 {
		return nil, fmt.Errorf("parameters %q: shell operator at offset %d", s, p.Position)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
