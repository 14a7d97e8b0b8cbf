package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid session name")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// maxSocketPath is the smallest sun_path size among supported platforms,
// including the terminating NUL.
const maxSocketPath = 104

// ValidateName checks the name itself and that the control socket derived
// from it fits in a Unix socket address.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, namePattern)
	}
	if p := SocketPath(name); len(p) >= maxSocketPath {
		return fmt.Errorf("%w %q: socket path %s is longer than %d bytes", ErrInvalidName, name, p, maxSocketPath-1)
	}
	return nil
}
