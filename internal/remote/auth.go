package remote

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Authenticator provides credentials for a registry host.
type Authenticator interface {
	Authenticate(registry string) (username, password string, err error)
}

// KeychainAuthenticator resolves credentials from the Docker config and
// credential helpers.
type KeychainAuthenticator struct{}

func (KeychainAuthenticator) Authenticate(registry string) (string, string, error) {
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return "", "", fmt.Errorf("parse registry %q: %w", registry, err)
	}
	auth, err := authn.DefaultKeychain.Resolve(reg)
	if err != nil {
		return "", "", err
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return "", "", err
	}
	return cfg.Username, cfg.Password, nil
}

// StaticAuthenticator returns the same credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}
