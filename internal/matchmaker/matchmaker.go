// Package matchmaker implements the Matchmaker: per-mode
// queue admission, the periodic TryMatch tick, battle dispatch, and
// requeue policy. One Matchmaker instance owns exactly one game mode.
package matchmaker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/larrybui/cardmatch/internal/battle"
	"github.com/larrybui/cardmatch/internal/breaker"
	"github.com/larrybui/cardmatch/internal/coreerr"
	"github.com/larrybui/cardmatch/internal/domain"
	"github.com/larrybui/cardmatch/internal/metrics"
	"github.com/larrybui/cardmatch/internal/protocol"
	"github.com/larrybui/cardmatch/internal/store"
)

// Router is the subset of internal/router.Router the matchmaker needs:
// deliver a message to a player owned by a given pod.
type Router interface {
	RouteTo(ctx context.Context, podID string, targetPlayerID domain.PlayerID, message any) error
}

// Clock lets tests control time without sleeping real wall-clock seconds.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *time.Ticker
}

type realClock struct{}

func (realClock) Now() time.Time                       { return time.Now() }
func (realClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// Matchmaker is the per-mode coordinator: it owns a mode's queue admission,
// tick-driven match formation, and dispatch of formed matches to battle
// simulation and routing.
type Matchmaker struct {
	settings domain.ModeSettings
	store    store.Store
	breaker  *breaker.Breaker
	router   Router
	invoker  *battle.Invoker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	clock    Clock

	inFlight   atomic.Bool
	backoff    *store.Backoff
	retryCount atomic.Int64

	storeTimeout time.Duration
}

// Option configures optional Matchmaker fields (clock override for tests).
type Option func(*Matchmaker)

// WithClock overrides the Matchmaker's time source; used only in tests.
func WithClock(c Clock) Option {
	return func(m *Matchmaker) { m.clock = c }
}

// New constructs a Matchmaker for one game mode.
func New(settings domain.ModeSettings, st store.Store, br *breaker.Breaker, rtr Router, inv *battle.Invoker, mtr *metrics.Metrics, logger zerolog.Logger, storeTimeout time.Duration, opts ...Option) *Matchmaker {
	m := &Matchmaker{
		settings:     settings,
		store:        st,
		breaker:      br,
		router:       rtr,
		invoker:      inv,
		metrics:      mtr,
		logger:       logger.With().Str("mode", settings.ModeID).Logger(),
		clock:        realClock{},
		backoff:      store.NewBackoff(),
		storeTimeout: storeTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Mode returns the mode this matchmaker owns.
func (m *Matchmaker) Mode() string { return m.settings.ModeID }

// Enqueue admits a player into this mode's queue. Preconditions: mode matches (checked by the caller, typically
// internal/coordinator, which owns mode routing) and metadata carries a
// non-empty owning pod identifier.
func (m *Matchmaker) Enqueue(ctx context.Context, playerID domain.PlayerID, mode string, metadata domain.Metadata) (store.EnqueueResult, error) {
	if mode != m.settings.ModeID {
		return store.EnqueueResult{}, coreerr.Validation("Enqueue", fmt.Errorf("mode %q does not match matchmaker mode %q", mode, m.settings.ModeID))
	}
	if err := metadata.Validate(); err != nil {
		return store.EnqueueResult{}, coreerr.Validation("Enqueue", err)
	}
	if !m.breaker.Allow() {
		return store.EnqueueResult{}, coreerr.StoreUnavailable("Enqueue", breaker.ErrOpen)
	}

	cctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	result, err := m.store.Enqueue(cctx, mode, playerID, m.clock.Now().UnixMilli(), metadata)
	if err != nil {
		m.breaker.Failure()
		m.metrics.StoreFailures.WithLabelValues("enqueue").Inc()
		return store.EnqueueResult{}, coreerr.StoreUnavailable("Enqueue", err)
	}
	m.breaker.Success()
	m.metrics.QueueSize.WithLabelValues(mode).Set(float64(result.Size))
	return result, nil
}

// Dequeue removes a player from this mode's queue. Idempotent: called on voluntary leave and on session
// teardown.
func (m *Matchmaker) Dequeue(ctx context.Context, playerID domain.PlayerID, mode string) (store.DequeueResult, error) {
	if mode != m.settings.ModeID {
		return store.DequeueResult{}, coreerr.Validation("Dequeue", fmt.Errorf("mode %q does not match matchmaker mode %q", mode, m.settings.ModeID))
	}
	if !m.breaker.Allow() {
		return store.DequeueResult{}, coreerr.StoreUnavailable("Dequeue", breaker.ErrOpen)
	}

	cctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	result, err := m.store.Dequeue(cctx, mode, playerID)
	if err != nil {
		m.breaker.Failure()
		m.metrics.StoreFailures.WithLabelValues("dequeue").Inc()
		return store.DequeueResult{}, coreerr.StoreUnavailable("Dequeue", err)
	}
	m.breaker.Success()
	m.metrics.QueueSize.WithLabelValues(mode).Set(float64(result.Size))
	return result, nil
}

// Run drives the periodic tick loop until ctx is canceled. Each tick spawns
// its own goroutine so a slow tick never blocks the scheduling of the next
// one; TryMatch's own in-flight flag is what prevents overlap.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.settings.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go m.tryMatchTick(ctx)
		}
	}
}

// tryMatchTick is one firing of the ticker: Armed -> Skipped | Running.
func (m *Matchmaker) tryMatchTick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.metrics.TicksSkipped.WithLabelValues(m.settings.ModeID, "in_flight").Inc()
		return
	}
	defer m.inFlight.Store(false)

	m.metrics.BreakerState.WithLabelValues(m.settings.ModeID).Set(metrics.BreakerStateValue(m.breaker.State()))
	if !m.breaker.Allow() {
		m.metrics.TicksSkipped.WithLabelValues(m.settings.ModeID, "breaker_open").Inc()
		return
	}

	m.TryMatch(ctx)
}

// TryMatch runs one pop/pair/dispatch cycle. Exported so tests (and a
// caller that wants to force an out-of-cadence attempt, e.g. an admin
// trigger) can invoke a single cycle synchronously without waiting on the
// ticker. It does not itself manage the in-flight flag; callers that share
// a Matchmaker with Run must go through tryMatchTick (or hold their own
// exclusion) to preserve the at-most-one-per-mode invariant.
func (m *Matchmaker) TryMatch(ctx context.Context) {
	batch, err := m.popBatchWithBackoff(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("pop batch failed, skipping tick")
		return
	}
	if len(batch) == 0 {
		return
	}

	// Partial popped batch must survive cancellation: track what's still
	// unrouted and requeue it on any abort path.
	remaining := make([]domain.Candidate, len(batch))
	copy(remaining, batch)
	defer func() {
		if len(remaining) > 0 {
			m.requeueAll(context.Background(), remaining, "aborted")
		}
	}()

	valid, poisoned := m.classify(batch)
	m.metrics.PoisonedCandidates.WithLabelValues(m.settings.ModeID).Add(float64(len(poisoned)))
	remaining = removeCandidates(remaining, poisoned)
	if len(poisoned) > 0 {
		m.logger.Warn().Int("count", len(poisoned)).Msg("dropped poisoned candidates")
	}

	if len(valid) < m.settings.RequiredPlayers {
		// Fewer than required_players valid candidates: re-enqueue all and
		// wait for next tick.
		return
	}

	retryCount := int(m.retryCount.Load())
	pairs, leftover := pair(valid, m.settings.UsesMMRMatching, retryCount)
	if len(leftover) > 0 {
		m.retryCount.Add(1)
	} else {
		m.retryCount.Store(0)
	}

	for _, lo := range leftover {
		m.requeueOne(ctx, lo, "leftover")
		remaining = removeCandidate(remaining, lo)
	}

	for _, p := range pairs {
		if ctx.Err() != nil {
			return // remaining still holds both unrouted pairs; deferred requeue handles it
		}
		m.dispatchPair(ctx, p)
		remaining = removeCandidate(remaining, p.A)
		remaining = removeCandidate(remaining, p.B)
	}
}

// popBatchWithBackoff pops up to required_players x batch_multiplier
// candidates, applying the exponential backoff
// policy on failure and resetting it on success.
func (m *Matchmaker) popBatchWithBackoff(ctx context.Context) ([]domain.Candidate, error) {
	cctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	batch, err := m.store.PopBatch(cctx, m.settings.ModeID, m.settings.BatchSize())
	if err != nil {
		m.breaker.Failure()
		m.metrics.StoreFailures.WithLabelValues("pop_batch").Inc()
		delay := m.backoff.Next()
		m.logger.Error().Err(err).Dur("backoff", delay).Msg("pop_batch failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		return nil, err
	}
	m.breaker.Success()
	m.backoff.Reset()
	return batch, nil
}

// classify splits a popped batch into valid and poisoned candidates: a
// candidate whose metadata is missing or whose pod identity is absent is
// poisoned.
func (m *Matchmaker) classify(batch []domain.Candidate) (valid, poisoned []domain.Candidate) {
	for _, c := range batch {
		if c.Metadata.PodID == "" {
			poisoned = append(poisoned, c)
			continue
		}
		valid = append(valid, c)
	}
	return valid, poisoned
}

// dispatchPair invokes the battle for one pair and routes the result to
// both participants. On any routing failure for a pair, both participants
// are re-enqueued and the match is not counted.
func (m *Matchmaker) dispatchPair(ctx context.Context, p Pair) {
	result, err := m.invoker.Invoke(ctx, p.A.PlayerID, p.B.PlayerID)
	if err != nil {
		m.metrics.SimulationFailures.WithLabelValues(m.settings.ModeID).Inc()
		m.logger.Warn().Err(err).Msg("battle simulation failed, requeuing both participants")
		m.requeueOne(ctx, p.A, "simulation_failure")
		m.requeueOne(ctx, p.B, "simulation_failure")
		return
	}

	msgA := protocol.NewMatchFoundMessage(result.WinnerID.String(), p.B.PlayerID.String(), result.BattleData)
	msgB := protocol.NewMatchFoundMessage(result.WinnerID.String(), p.A.PlayerID.String(), result.BattleData)

	errA := m.router.RouteTo(ctx, p.A.PodID(), p.A.PlayerID, msgA)
	errB := m.router.RouteTo(ctx, p.B.PodID(), p.B.PlayerID, msgB)

	if errA != nil || errB != nil {
		m.metrics.RoutingFailures.WithLabelValues(m.settings.ModeID, routingPath(errA, errB)).Inc()
		m.logger.Warn().Err(errA).Err(errB).Msg("routing failed for formed pair, requeuing both participants")
		m.requeueOne(ctx, p.A, "routing_failure")
		m.requeueOne(ctx, p.B, "routing_failure")
		return
	}

	m.metrics.MatchesFormed.WithLabelValues(m.settings.ModeID).Inc()
}

func routingPath(errA, errB error) string {
	if errA != nil && errB != nil {
		return "both"
	}
	if errA != nil {
		return "participant_a"
	}
	return "participant_b"
}

// requeueOne re-enqueues a single candidate using its original metadata and
// timestamp.
func (m *Matchmaker) requeueOne(ctx context.Context, c domain.Candidate, reason string) {
	m.metrics.Requeues.WithLabelValues(m.settings.ModeID, reason).Inc()
	cctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if _, err := m.store.Enqueue(cctx, m.settings.ModeID, c.PlayerID, c.Score, c.Metadata); err != nil {
		m.logger.Error().Err(err).Str("player_id", c.PlayerID.String()).Msg("failed to requeue candidate")
	}
}

func (m *Matchmaker) requeueAll(ctx context.Context, cs []domain.Candidate, reason string) {
	for _, c := range cs {
		m.requeueOne(ctx, c, reason)
	}
}

func removeCandidate(cs []domain.Candidate, target domain.Candidate) []domain.Candidate {
	out := cs[:0]
	for _, c := range cs {
		if c.PlayerID != target.PlayerID {
			out = append(out, c)
		}
	}
	return out
}

func removeCandidates(cs []domain.Candidate, toRemove []domain.Candidate) []domain.Candidate {
	if len(toRemove) == 0 {
		return cs
	}
	remove := make(map[domain.PlayerID]bool, len(toRemove))
	for _, c := range toRemove {
		remove[c.PlayerID] = true
	}
	out := cs[:0]
	for _, c := range cs {
		if !remove[c.PlayerID] {
			out = append(out, c)
		}
	}
	return out
}
