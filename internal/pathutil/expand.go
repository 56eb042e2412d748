package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and "~/" home shortcuts. Config
// path fields (store data dir, sync state dir, sessions dir) all pass
// through here before anything touches the filesystem.
func Expand(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	switch {
	case expanded == "~":
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		expanded = home
	case strings.HasPrefix(expanded, "~/"):
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		expanded = filepath.Join(home, expanded[2:])
	}

	return filepath.Clean(expanded), nil
}

// homeDir tries os.UserHomeDir, then the passwd entry, then $HOME. A value
// that still contains a tilde is rejected; a half-resolved default like
// "~/.drover/store" must fail loudly rather than create a literal "~" dir.
func homeDir() (string, error) {
	if home := usable(os.UserHomeDir()); home != "" {
		return home, nil
	}
	if current, err := user.Current(); err == nil {
		if home := usable(current.HomeDir, nil); home != "" {
			return home, nil
		}
	}
	if home := usable(os.Getenv("HOME"), nil); home != "" {
		return home, nil
	}
	return "", fmt.Errorf("cannot resolve home directory")
}

func usable(home string, err error) string {
	if err != nil {
		return ""
	}
	home = strings.TrimSpace(home)
	if home == "" || home == "~" || strings.HasPrefix(home, "~/") {
		return ""
	}
	return home
}
