// Package dispatch walks the rotation queue for one request, issuing one
// relay call per credential until one succeeds, and classifying failures to
// keep the rotation state honest.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mixaill76/solver_relay/internal/rotation"
	"github.com/mixaill76/solver_relay/internal/security"
)

// Solver issues one relay call. Satisfied by *Client for both the blocking
// and streaming paths.
type Solver interface {
	Solve(ctx context.Context, in *Input, apiKey string) (*Outcome, error)
	SolveStream(ctx context.Context, in *Input, apiKey string, onDelta func(string)) (*Outcome, error)
}

type Dispatcher struct {
	store  rotation.Store
	solver Solver
	logger *slog.Logger
	// Streaming selects SolveStream per attempt; onDelta receives chunks.
	Streaming bool
	OnDelta   func(string)
}

func New(store rotation.Store, solver Solver, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		solver: solver,
		logger: logger,
	}
}

// Run tries each queue entry in order, strictly sequentially and never in
// parallel (concurrent attempts would double-charge quota), and stops at
// the first success. Invalid-set updates are persisted per attempt so they
// survive even when a later attempt also fails. If every entry fails, the
// request fails with the most recent error.
func (d *Dispatcher) Run(ctx context.Context, in *Input) (*Outcome, error) {
	state, err := d.store.Load()
	if err != nil {
		return nil, err
	}

	queue := state.BuildQueue()

	var lastErr error
	for _, apiKey := range queue {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		out, err := d.attempt(ctx, in, apiKey)
		if err == nil {
			state.ClearInvalid(apiKey)
			state.AdvanceCursor(apiKey)
			d.persist(state)
			return out, nil
		}
		lastErr = err

		var callErr *CallError
		if errors.As(err, &callErr) {
			if apiKey != rotation.Sentinel && IsCredentialError(callErr.Status, callErr.Message) {
				reason := ReasonFor(callErr.Status, callErr.Message)
				d.logger.Info("Marking credential invalid",
					"credential", security.CredentialLabel(apiKey),
					"reason", reason,
					"status", callErr.Status,
				)
				state.MarkInvalid(apiKey, reason)
				d.persist(state)
			} else {
				d.logger.Debug("Attempt rejected, credential kept",
					"credential", security.CredentialLabel(apiKey),
					"status", callErr.Status,
				)
			}
			continue
		}

		// The call never completed: transient, not attributed to the credential.
		d.logger.Debug("Attempt failed to complete",
			"credential", security.CredentialLabel(apiKey),
			"error", err,
		)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dispatch: no attempts available")
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, in *Input, apiKey string) (*Outcome, error) {
	if d.Streaming {
		return d.solver.SolveStream(ctx, in, apiKey, d.OnDelta)
	}
	return d.solver.Solve(ctx, in, apiKey)
}

func (d *Dispatcher) persist(state *rotation.State) {
	if err := d.store.Save(state); err != nil {
		d.logger.Error("Failed to persist rotation state", "error", err)
	}
}
