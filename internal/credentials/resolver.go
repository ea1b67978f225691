package credentials

import (
	"errors"
	"fmt"
	"net/url"

	"caldavtasks/internal/utils"
)

// Source indicates where credentials were found
type Source string

const (
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
	SourceURL     Source = "url"
	SourceNone    Source = "none"
)

// Credentials represents resolved authentication credentials
type Credentials struct {
	Username string
	Password string
	Host     string
	Source   Source
}

// ErrNoCredentials is returned when no source has a username and password.
var ErrNoCredentials = errors.New("no credentials found")

// Resolver looks credentials up in the keyring, then the environment, then
// the server URL.
type Resolver struct {
	useKeyring bool
}

// NewResolver creates a resolver. The keyring is skipped when no keyring
// service is reachable.
func NewResolver() *Resolver {
	return &Resolver{useKeyring: IsAvailable()}
}

// Resolve finds credentials for the account name and server.
//   - name: account name used in environment variables
//   - username: configured username, needed for the keyring lookup
//   - server: configured server URL, may carry user:password
func (r *Resolver) Resolve(name, username string, server *url.URL) (*Credentials, error) {
	if name == "" {
		return nil, fmt.Errorf("account name is required for credential resolution")
	}

	host := GetHost(name)
	if host == "" && server != nil {
		host = server.Host
	}
	if username == "" && server != nil && server.User != nil {
		username = server.User.Username()
	}

	if r.useKeyring && username != "" && host != "" {
		password, err := Get(host, username)
		switch {
		case err == nil:
			return &Credentials{Username: username, Password: password, Host: host, Source: SourceKeyring}, nil
		case !errors.Is(err, ErrNotFound):
			utils.Warnf("Keyring lookup for %s failed: %v", host, err)
		}
	}

	if HasCredentials(name) {
		return &Credentials{
			Username: GetUsername(name),
			Password: GetPassword(name),
			Host:     host,
			Source:   SourceEnv,
		}, nil
	}

	if server != nil && server.User != nil {
		password, ok := server.User.Password()
		if ok && password != "" && server.User.Username() != "" {
			return &Credentials{
				Username: server.User.Username(),
				Password: password,
				Host:     server.Host,
				Source:   SourceURL,
			}, nil
		}
	}

	return nil, fmt.Errorf("%w for %q (tried: keyring, %s, server URL)", ErrNoCredentials, name, EnvVarName(name, "PASSWORD"))
}
