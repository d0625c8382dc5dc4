// Package rotation owns the caller-side credential pool: an ordered set of
// credentials, a persistent rotation cursor, and the set of credentials
// currently marked unusable. It is a pure scheduling policy: it never
// blocks and never performs I/O; persistence happens only at the Store
// boundary.
package rotation

import (
	"strings"
	"time"
)

// Reason categorizes why a credential was marked invalid.
type Reason string

const (
	ReasonQuota        Reason = "quota"
	ReasonExpired      Reason = "expired"
	ReasonInvalid      Reason = "invalid"
	ReasonNoPermission Reason = "no-permission"
	ReasonUnavailable  Reason = "unavailable"
)

// Sentinel is the trailing "no credential supplied" attempt appended to
// every queue, letting the server apply its own default.
const Sentinel = ""

// Invalid marks a credential as currently unusable.
type Invalid struct {
	Reason   Reason    `json:"reason"`
	MarkedAt time.Time `json:"marked_at"`
}

// State is the persisted rotation state.
type State struct {
	Pool    []string           `json:"pool"`
	Cursor  int                `json:"cursor"`
	Invalid map[string]Invalid `json:"invalid"`
}

func NewState(pool []string) *State {
	s := &State{Pool: pool}
	s.Normalize()
	return s
}

// Normalize restores the state invariants after load or pool replacement:
// the cursor always lies in [0, len(Pool)) when the pool is non-empty, and
// resets to 0 otherwise.
func (s *State) Normalize() {
	if s.Invalid == nil {
		s.Invalid = make(map[string]Invalid)
	}
	if len(s.Pool) == 0 || s.Cursor < 0 || s.Cursor >= len(s.Pool) {
		s.Cursor = 0
	}
}

// SetPool replaces the pool and resets the cursor.
func (s *State) SetPool(pool []string) {
	s.Pool = pool
	s.Cursor = 0
	s.Normalize()
}

// BuildQueue derives the attempt order for one request: the pool rotated to
// start at the cursor, invalid entries filtered out. If filtering would
// empty the queue the unfiltered rotation is used as a last resort, so an
// erroneously poisoned invalid set cannot cause total lockout.
// The sentinel attempt is always appended last.
func (s *State) BuildQueue() []string {
	rotated := make([]string, 0, len(s.Pool)+1)
	if len(s.Pool) > 0 {
		start := s.Cursor
		if start < 0 || start >= len(s.Pool) {
			start = 0
		}
		rotated = append(rotated, s.Pool[start:]...)
		rotated = append(rotated, s.Pool[:start]...)
	}

	valid := make([]string, 0, len(rotated))
	for _, key := range rotated {
		if _, bad := s.Invalid[strings.TrimSpace(key)]; !bad {
			valid = append(valid, key)
		}
	}
	if len(valid) == 0 {
		valid = rotated
	}

	return append(valid, Sentinel)
}

// AdvanceCursor moves the cursor past the credential that just succeeded.
// No-op when the pool is empty or the credential is not in the pool (e.g.
// the successful attempt was the sentinel).
func (s *State) AdvanceCursor(used string) {
	if len(s.Pool) == 0 {
		return
	}
	for i, key := range s.Pool {
		if key == used {
			s.Cursor = (i + 1) % len(s.Pool)
			return
		}
	}
}

// MarkInvalid records a credential as unusable. Idempotent: re-marking
// refreshes the reason and timestamp.
func (s *State) MarkInvalid(key string, reason Reason) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return
	}
	if s.Invalid == nil {
		s.Invalid = make(map[string]Invalid)
	}
	s.Invalid[trimmed] = Invalid{
		Reason:   reason,
		MarkedAt: time.Now().UTC(),
	}
}

// ClearInvalid removes a credential from the invalid set. Idempotent.
func (s *State) ClearInvalid(key string) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return
	}
	delete(s.Invalid, trimmed)
}
