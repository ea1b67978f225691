// Package credentials finds the username and password for a server in
// the OS keyring, the environment or the server URL.
package credentials

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringServicePrefix is the prefix for all caldavtasks keyring entries
const KeyringServicePrefix = "caldavtasks"

// ErrNotFound is returned when the keyring has no entry for host and user.
var ErrNotFound = errors.New("credentials not found in keyring")

// getServiceName returns the keyring service name for a server host
func getServiceName(host string) string {
	return fmt.Sprintf("%s-%s", KeyringServicePrefix, host)
}

func checkKey(host, username string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	return nil
}

// Set stores a password in the OS keyring
func Set(host, username, password string) error {
	if err := checkKey(host, username); err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	if err := keyring.Set(getServiceName(host), username, password); err != nil {
		return fmt.Errorf("failed to store credentials in keyring: %w", err)
	}
	return nil
}

// Get retrieves a password from the OS keyring
func Get(host, username string) (string, error) {
	if err := checkKey(host, username); err != nil {
		return "", err
	}

	password, err := keyring.Get(getServiceName(host), username)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w for %s (user %s)", ErrNotFound, host, username)
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve credentials from keyring: %w", err)
	}
	return password, nil
}

// Delete removes credentials from the OS keyring
func Delete(host, username string) error {
	if err := checkKey(host, username); err != nil {
		return err
	}

	err := keyring.Delete(getServiceName(host), username)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w for %s (user %s)", ErrNotFound, host, username)
	}
	if err != nil {
		return fmt.Errorf("failed to delete credentials from keyring: %w", err)
	}
	return nil
}

// IsAvailable checks if the keyring is accessible. A lookup of a missing
// entry answers ErrNotFound when a keyring daemon is running.
func IsAvailable() bool {
	_, err := keyring.Get(KeyringServicePrefix+"-keyring-test", "test")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
