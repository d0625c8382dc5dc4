// Package credential decides which single credential reaches the upstream
// endpoint for one call, independent of what the caller supplied.
package credential

import (
	"errors"
	"os"
	"strings"
)

// ErrNoCredential reports that no usable credential could be resolved.
// It is a configuration error, not attributable to any caller-supplied
// credential, and is terminal for the call.
var ErrNoCredential = errors.New("credential: no usable credential configured")

// Source exposes the system-wide shared credential. Writes belong to the
// admin collaborator; this component only reads, and a credential change
// mid-flight affects only calls not yet resolved.
type Source interface {
	SharedCredential() string
}

// StaticSource is a Source fixed at startup from configuration.
type StaticSource string

func (s StaticSource) SharedCredential() string {
	return string(s)
}

// Resolver picks the effective credential for one call.
type Resolver struct {
	shared Source
	// envVar names the deployment-level default credential variable.
	envVar string
}

func NewResolver(shared Source, envVar string) *Resolver {
	return &Resolver{
		shared: shared,
		envVar: envVar,
	}
}

// Resolve applies the precedence order: a privileged caller's explicit
// credential, then the shared system-wide credential, then the deployment
// environment default. A non-privileged caller's supplied credential is
// ignored outright: only privileged callers may override the shared
// credential, which keeps one caller from exhausting or leaking another's
// quota.
func (r *Resolver) Resolve(privileged bool, supplied string) (string, error) {
	if privileged {
		if key := strings.TrimSpace(supplied); key != "" {
			return key, nil
		}
	}

	if r.shared != nil {
		if key := strings.TrimSpace(r.shared.SharedCredential()); key != "" {
			return key, nil
		}
	}

	if key := strings.TrimSpace(os.Getenv(r.envVar)); key != "" {
		return key, nil
	}

	return "", ErrNoCredential
}
