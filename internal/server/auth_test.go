package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/solver_relay/internal/config"
)

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator([]config.CallerToken{
		{Name: "reader", Token: "reader-token"},
		{Name: "admin", Token: "admin-token", Privileged: true},
	})

	caller, ok := auth.Authenticate("reader-token")
	require.True(t, ok)
	assert.Equal(t, "reader", caller.Name)
	assert.False(t, caller.Privileged)

	caller, ok = auth.Authenticate("admin-token")
	require.True(t, ok)
	assert.Equal(t, "admin", caller.Name)
	assert.True(t, caller.Privileged)

	_, ok = auth.Authenticate("unknown")
	assert.False(t, ok)

	_, ok = auth.Authenticate("")
	assert.False(t, ok)

	_, ok = auth.Authenticate("reader-token ")
	assert.False(t, ok, "tokens match exactly")
}

func TestStaticAuthenticatorEmptyList(t *testing.T) {
	auth := NewStaticAuthenticator(nil)

	_, ok := auth.Authenticate("anything")
	assert.False(t, ok)
}
