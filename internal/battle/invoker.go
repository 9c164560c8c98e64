// Package battle implements the Battle Invoker: a
// synchronous wrapper around the external, pure Battle Simulator
// `simulate(p1, p2) -> BattleResult`.
package battle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/larrybui/cardmatch/internal/domain"
)

// ErrSimulationFailure is returned when the simulator errors or exceeds its
// wall-clock budget.
var ErrSimulationFailure = errors.New("battle: simulation failed")

// Simulator is the pure battle function's signature. Given identical
// inputs it is assumed to return identical results; the core does not
// enforce that.
type Simulator func(p1, p2 domain.PlayerID) (domain.BattleResult, error)

// Invoker calls a Simulator within a bounded wall-clock budget.
type Invoker struct {
	simulate Simulator
	timeout  time.Duration
}

// New constructs an Invoker. timeout <= 0 defaults to 5s, matching
// internal/config.GlobalConfig's BattleSimulateTimeoutMS default.
func New(simulate Simulator, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Invoker{simulate: simulate, timeout: timeout}
}

// Invoke runs the simulator for (p1, p2), returning ErrSimulationFailure if
// it errors or does not return within the configured budget. Both
// participants are the matchmaker's responsibility to requeue on failure.
func (inv *Invoker) Invoke(ctx context.Context, p1, p2 domain.PlayerID) (domain.BattleResult, error) {
	cctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	type outcome struct {
		result domain.BattleResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := inv.simulate(p1, p2)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return domain.BattleResult{}, fmt.Errorf("%w: %v", ErrSimulationFailure, o.err)
		}
		return o.result, nil
	case <-cctx.Done():
		return domain.BattleResult{}, fmt.Errorf("%w: timed out after %s", ErrSimulationFailure, inv.timeout)
	}
}
