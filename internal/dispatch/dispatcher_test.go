package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/solver_relay/internal/rotation"
	"github.com/mixaill76/solver_relay/internal/testhelpers"
)

// memStore keeps rotation state in memory and counts saves.
type memStore struct {
	state *rotation.State
	saves int
}

func (m *memStore) Load() (*rotation.State, error) {
	return m.state, nil
}

func (m *memStore) Save(state *rotation.State) error {
	m.state = state
	m.saves++
	return nil
}

// scriptedSolver returns a per-key outcome: a *CallError, a generic error, or
// success. It records the attempt order.
type scriptedSolver struct {
	results  map[string]error
	attempts []string
}

func (s *scriptedSolver) outcome(apiKey string) (*Outcome, error) {
	s.attempts = append(s.attempts, apiKey)
	if err, ok := s.results[apiKey]; ok && err != nil {
		return nil, err
	}
	return &Outcome{Answer: "answer from " + apiKey, Model: "m"}, nil
}

func (s *scriptedSolver) Solve(_ context.Context, _ *Input, apiKey string) (*Outcome, error) {
	return s.outcome(apiKey)
}

func (s *scriptedSolver) SolveStream(_ context.Context, _ *Input, apiKey string, onDelta func(string)) (*Outcome, error) {
	out, err := s.outcome(apiKey)
	if err == nil && onDelta != nil {
		onDelta(out.Answer)
	}
	return out, err
}

func newDispatcher(state *rotation.State, solver Solver) (*Dispatcher, *memStore) {
	store := &memStore{state: state}
	return New(store, solver, testhelpers.NewTestLogger()), store
}

func credErr(status int, message string) *CallError {
	return &CallError{Status: status, Message: message}
}

func TestRunFirstKeySucceeds(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{}}
	disp, store := newDispatcher(rotation.NewState([]string{"k1", "k2"}), solver)

	out, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.NoError(t, err)
	assert.Equal(t, "answer from k1", out.Answer)
	assert.Equal(t, []string{"k1"}, solver.attempts)
	assert.Equal(t, 1, store.state.Cursor, "cursor advances past the key that succeeded")
	assert.Equal(t, 1, store.saves)
}

func TestRunCredentialFailureMarksAndContinues(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{
		"k1": credErr(http.StatusForbidden, "API key not valid"),
	}}
	disp, store := newDispatcher(rotation.NewState([]string{"k1", "k2"}), solver)

	out, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.NoError(t, err)
	assert.Equal(t, "answer from k2", out.Answer)
	assert.Equal(t, []string{"k1", "k2"}, solver.attempts)

	require.Contains(t, store.state.Invalid, "k1")
	assert.Equal(t, rotation.ReasonInvalid, store.state.Invalid["k1"].Reason)
	assert.NotContains(t, store.state.Invalid, "k2")
	assert.Equal(t, 0, store.state.Cursor, "cursor advances past k2, wrapping to 0")
}

func TestRunRejectionDoesNotMark(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{
		"k1": credErr(http.StatusBadRequest, "Invalid JSON payload received"),
	}}
	disp, store := newDispatcher(rotation.NewState([]string{"k1", "k2"}), solver)

	out, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.NoError(t, err)
	assert.Equal(t, "answer from k2", out.Answer)
	assert.Empty(t, store.state.Invalid)
}

func TestRunTransientFailureDoesNotMark(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{
		"k1": errors.New("dial tcp: connection refused"),
	}}
	disp, store := newDispatcher(rotation.NewState([]string{"k1", "k2"}), solver)

	out, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.NoError(t, err)
	assert.Equal(t, "answer from k2", out.Answer)
	assert.Empty(t, store.state.Invalid, "incomplete calls are not attributed to the credential")
}

func TestRunSentinelNeverMarked(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{
		"k1":             credErr(http.StatusForbidden, "API key not valid"),
		rotation.Sentinel: credErr(http.StatusForbidden, "API key not valid"),
	}}
	disp, store := newDispatcher(rotation.NewState([]string{"k1"}), solver)

	_, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.Error(t, err)
	assert.Equal(t, []string{"k1", rotation.Sentinel}, solver.attempts)
	assert.Contains(t, store.state.Invalid, "k1")
	assert.Len(t, store.state.Invalid, 1)
}

func TestRunAllFailReturnsLastError(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{
		"k1":             credErr(http.StatusTooManyRequests, "Quota exceeded"),
		"k2":             credErr(http.StatusForbidden, "API key not valid"),
		rotation.Sentinel: credErr(http.StatusBadRequest, "No API key provided."),
	}}
	disp, _ := newDispatcher(rotation.NewState([]string{"k1", "k2"}), solver)

	_, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "No API key provided.", callErr.Message)
}

func TestRunSuccessClearsEarlierInvalidMark(t *testing.T) {
	state := rotation.NewState([]string{"k1"})
	state.MarkInvalid("k1", rotation.ReasonQuota)

	solver := &scriptedSolver{results: map[string]error{}}
	disp, store := newDispatcher(state, solver)

	out, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.NoError(t, err)
	// The invalid set was fully poisoned, so the unfiltered queue retried k1.
	assert.Equal(t, "answer from k1", out.Answer)
	assert.NotContains(t, store.state.Invalid, "k1")
}

func TestRunPersistsMarksIncrementally(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{
		"k1":             credErr(http.StatusForbidden, "API key not valid"),
		"k2":             credErr(http.StatusTooManyRequests, "Quota exceeded"),
		rotation.Sentinel: credErr(http.StatusBadRequest, "No API key provided."),
	}}
	disp, store := newDispatcher(rotation.NewState([]string{"k1", "k2"}), solver)

	_, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.Error(t, err)
	// One save per marked credential, so marks survive a crash mid-request.
	assert.Equal(t, 2, store.saves)
	assert.Contains(t, store.state.Invalid, "k1")
	assert.Contains(t, store.state.Invalid, "k2")
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	solver := &scriptedSolver{results: map[string]error{}}
	disp, _ := newDispatcher(rotation.NewState([]string{"k1"}), solver)

	_, err := disp.Run(ctx, &Input{Prompt: "q"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, solver.attempts)
}

func TestRunStreamingForwardsDeltas(t *testing.T) {
	solver := &scriptedSolver{results: map[string]error{}}
	disp, _ := newDispatcher(rotation.NewState([]string{"k1"}), solver)

	var deltas []string
	disp.Streaming = true
	disp.OnDelta = func(text string) { deltas = append(deltas, text) }

	out, err := disp.Run(context.Background(), &Input{Prompt: "q"})

	require.NoError(t, err)
	assert.Equal(t, []string{out.Answer}, deltas)
}
