package lxd

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrServerUnreachable is returned when lxc cannot talk to the daemon.
	ErrServerUnreachable = errors.New("lxd server unreachable")
)

// CommandError is a failed lxc invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// notFoundMarkers are the stderr fragments lxc prints for missing objects.
var notFoundMarkers = []string{
	"not found",
	"doesn't exist",
	"does not exist",
}

// IsNotFound reports whether err means the target object was absent.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	stderr := strings.ToLower(cmdErr.Stderr)
	for _, marker := range notFoundMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}
