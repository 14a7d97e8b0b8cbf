package session

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(baseDirEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := Dir("main"), filepath.Join(home, ".imsync", "sessions", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(baseDirEnv, tmpDir)
	if got := ConfigPath(); got != filepath.Join(tmpDir, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestSessionFiles(t *testing.T) {
	t.Setenv(baseDirEnv, "/srv/imsync")

	for got, want := range map[string]string{
		SocketPath("test"): "/srv/imsync/sessions/test/daemon.sock",
		LockPath("test"):   "/srv/imsync/sessions/test/LOCK",
		StorePath("test"):  "/srv/imsync/sessions/test/imsync.db",
		LogPath("test"):    "/srv/imsync/sessions/test/logs/imsyncd.log",
	} {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(baseDirEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}

func TestList(t *testing.T) {
	t.Setenv(baseDirEnv, t.TempDir())

	names, err := List()
	if err != nil || names != nil {
		t.Fatalf("List() on empty home = %v, %v", names, err)
	}

	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(BaseDir(), "sessions", "Not.Valid"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(BaseDir(), "sessions", "stray"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"main", "work"}; !slices.Equal(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}
