package server

import (
	"crypto/subtle"

	"github.com/mixaill76/solver_relay/internal/config"
)

// Caller is an authenticated client of the relay.
type Caller struct {
	Name       string
	Privileged bool
}

// Authenticator is the boundary to the session/auth collaborator. The relay
// only needs to know who is calling and whether they may override the
// server-side credential.
type Authenticator interface {
	Authenticate(token string) (*Caller, bool)
}

// StaticAuthenticator authenticates against the fixed token list from
// configuration.
type StaticAuthenticator struct {
	callers []config.CallerToken
}

func NewStaticAuthenticator(callers []config.CallerToken) *StaticAuthenticator {
	return &StaticAuthenticator{callers: callers}
}

func (a *StaticAuthenticator) Authenticate(token string) (*Caller, bool) {
	if token == "" {
		return nil, false
	}
	for _, c := range a.callers {
		if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 {
			return &Caller{Name: c.Name, Privileged: c.Privileged}, true
		}
	}
	return nil, false
}
