package credentials

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix starts every credential environment variable.
const EnvPrefix = "CALDAVTASKS_"

// normalizeName converts an account name to the format used in environment
// variables: "nextcloud-work" becomes "NEXTCLOUD_WORK".
func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// EnvVarName returns the variable holding field for an account, e.g.
// CALDAVTASKS_DEFAULT_PASSWORD.
func EnvVarName(name, field string) string {
	return EnvPrefix + normalizeName(name) + "_" + strings.ToUpper(field)
}

func lookup(name, field string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(EnvVarName(name, field))
}

// GetUsername reads CALDAVTASKS_<NAME>_USERNAME.
func GetUsername(name string) string { return lookup(name, "USERNAME") }

// GetPassword reads CALDAVTASKS_<NAME>_PASSWORD.
func GetPassword(name string) string { return lookup(name, "PASSWORD") }

// GetHost reads CALDAVTASKS_<NAME>_HOST.
func GetHost(name string) string { return lookup(name, "HOST") }

// HasCredentials checks if credentials exist in environment variables
func HasCredentials(name string) bool {
	return GetUsername(name) != "" && GetPassword(name) != ""
}

// LoadDotEnv loads variables from the given .env files. Missing files are
// skipped and variables already set in the environment are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}
