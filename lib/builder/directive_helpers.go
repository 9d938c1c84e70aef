package builder

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseEnv accepts `KEY=VALUE` or `KEY VALUE` forms, per §4.8.
func ParseEnv(args string) (string, string, error) {
	if idx := strings.Index(args, "="); idx >= 0 {
		return args[:idx], args[idx+1:], nil
	}
	fields := strings.SplitN(args, " ", 2)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("ENV requires KEY=VALUE or KEY VALUE, got %q", args)
	}
	return fields[0], strings.TrimSpace(fields[1]), nil
}

// ParseCmd parses a CMD directive's JSON array argument.
func ParseCmd(args string) ([]string, error) {
	var cmd []string
	if err := json.Unmarshal([]byte(args), &cmd); err != nil {
		return nil, fmt.Errorf("CMD must be a JSON array: %w", err)
	}
	return cmd, nil
}

// ParseCopy splits a COPY directive's args into source and destination.
func ParseCopy(args string) (src, dst string, err error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("COPY requires exactly <src> <dst>, got %q", args)
	}
	return fields[0], fields[1], nil
}
