package transport

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"

	"basebot/internal/domain"
)

// ParseCommand splits a shell-style launch command into argv.
// Quoting and escaping follow POSIX shell rules; variable expansion and
// backticks are not evaluated.
func ParseCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command is empty", domain.ErrInvalidCommand)
	}
	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidCommand, command, err)
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("%w: %q has no executable", domain.ErrInvalidCommand, command)
	}
	return argv, nil
}

// ResolveArgv returns the provider's argv, parsing its command when argv is unset.
func ResolveArgv(spec domain.ProviderSpec) ([]string, error) {
	if len(spec.Argv) > 0 {
		if strings.TrimSpace(spec.Argv[0]) == "" {
			return nil, fmt.Errorf("%w: provider %q has an empty executable", domain.ErrInvalidCommand, spec.Name)
		}
		return spec.Argv, nil
	}
	argv, err := ParseCommand(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", spec.Name, err)
	}
	return argv, nil
}
