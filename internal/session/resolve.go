package session

import (
	"fmt"
	"os"

	"github.com/matheus3301/imsync/internal/config"
)

const (
	DefaultSessionName = "main"

	sessionEnv = "IMSYNC_SESSION"
)

// Resolve picks the session name from, in order: the --session flag,
// $IMSYNC_SESSION, default_session in config.toml, and "main". A missing
// config file is fine; a malformed one is reported.
func Resolve(flagOverride string) (string, error) {
	if flagOverride != "" {
		return flagOverride, nil
	}
	if env := os.Getenv(sessionEnv); env != "" {
		return env, nil
	}
	cfg, err := config.LoadOrDefault(ConfigPath())
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if cfg.DefaultSession != "" {
		return cfg.DefaultSession, nil
	}
	return DefaultSessionName, nil
}
