package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppName names the per-user config, data and state directories.
const AppName = "caldavtasks"

// ExpandPath expands environment variables, then a leading ~, in path.
//   - "~/data/file.txt" -> "/home/user/data/file.txt"
//   - "$HOME/data" -> "/home/user/data"
//   - "/abs/path" -> "/abs/path" (unchanged)
func ExpandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}

	path = os.ExpandEnv(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return homeDir, nil
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// XDGPath joins elem under $envVar/caldavtasks, or under
// ~/<fallback>/caldavtasks when the variable is unset, e.g.
// XDGPath("XDG_CONFIG_HOME", ".config", "config.yaml").
func XDGPath(envVar, fallback string, elem ...string) (string, error) {
	base := os.Getenv(envVar)
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		base = filepath.Join(homeDir, fallback)
	}
	return filepath.Join(append([]string{base, AppName}, elem...)...), nil
}
