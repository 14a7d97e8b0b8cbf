package session

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/matheus3301/imsync/internal/lock"
)

// baseDirEnv overrides the root directory, mostly for tests and for running
// several daemons side by side.
const baseDirEnv = "IMSYNC_HOME"

const (
	sessionsDir = "sessions"
	socketFile  = "daemon.sock"
	storeFile   = "imsync.db"
	logsDir     = "logs"
	logFile     = "imsyncd.log"
	configFile  = "config.toml"
)

// BaseDir returns $IMSYNC_HOME, or ~/.imsync.
func BaseDir() string {
	if dir := os.Getenv(baseDirEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imsync")
}

// ConfigPath is shared by every session.
func ConfigPath() string {
	return filepath.Join(BaseDir(), configFile)
}

// Dir returns the directory owned by one session. Everything below it
// belongs to the daemon holding the session lock.
func Dir(name string) string {
	return filepath.Join(BaseDir(), sessionsDir, name)
}

func SocketPath(name string) string { return filepath.Join(Dir(name), socketFile) }
func LockPath(name string) string   { return filepath.Join(Dir(name), lock.FileName) }
func StorePath(name string) string  { return filepath.Join(Dir(name), storeFile) }
func LogDir(name string) string     { return filepath.Join(Dir(name), logsDir) }
func LogPath(name string) string    { return filepath.Join(LogDir(name), logFile) }

// EnsureDir creates the session directory tree, readable only by the owner.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// List returns the names of the session directories under BaseDir, sorted.
// Entries that are not valid session names are skipped.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), sessionsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && namePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
