package processstate

import (
	"context"
	"strings"
)

// Process is one entry in a snapshot of the live process table.
type Process struct {
	PID     int
	Name    string
	Cmdline string
}

// Lister queries the live process set. Implementations are read-only.
type Lister interface {
	List(ctx context.Context) ([]Process, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]Process, error)

func (f ListerFunc) List(ctx context.Context) ([]Process, error) {
	return f(ctx)
}

// Matches reports whether any process name or command line contains token,
// compared case-insensitively.
func Matches(procs []Process, token string) bool {
	needle := strings.ToLower(strings.TrimSpace(token))
	if needle == "" {
		return false
	}
	for _, p := range procs {
		if strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.Cmdline), needle) {
			return true
		}
	}
	return false
}
