package matchmaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/larrybui/cardmatch/internal/battle"
	"github.com/larrybui/cardmatch/internal/breaker"
	"github.com/larrybui/cardmatch/internal/domain"
	"github.com/larrybui/cardmatch/internal/metrics"
	"github.com/larrybui/cardmatch/internal/store"
	"github.com/larrybui/cardmatch/internal/store/storetest"
)

// fakeRouter records every delivery attempt and can be told to fail for a
// specific player, standing in for internal/router.Router in scenario B
// (cross-pod publish with zero subscribers) without involving real Redis
// pub/sub.
type fakeRouter struct {
	mu       sync.Mutex
	delivered map[domain.PlayerID]any
	failFor  map[domain.PlayerID]bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{delivered: make(map[domain.PlayerID]any), failFor: make(map[domain.PlayerID]bool)}
}

func (r *fakeRouter) RouteTo(ctx context.Context, podID string, targetPlayerID domain.PlayerID, message any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[targetPlayerID] {
		return errors.New("fake router: downstream unreachable")
	}
	r.delivered[targetPlayerID] = message
	return nil
}

func (r *fakeRouter) has(id domain.PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.delivered[id]
	return ok
}

func (r *fakeRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func testMode(mode string, required, batchMult int, useMMR bool) domain.ModeSettings {
	return domain.ModeSettings{
		ModeID:          mode,
		RequiredPlayers: required,
		UsesMMRMatching: useMMR,
		TickIntervalMS:  5000,
		BatchMultiplier: batchMult,
	}
}

func newTestMatchmaker(t *testing.T, settings domain.ModeSettings, st store.Store, rtr Router, sim battle.Simulator) *Matchmaker {
	t.Helper()
	br := breaker.New(5, 60*time.Second)
	inv := battle.New(sim, time.Second)
	mtr := metrics.New(prometheus.NewRegistry())
	return New(settings, st, br, rtr, inv, mtr, zerolog.Nop(), time.Second)
}

func alwaysP1Wins(p1, p2 domain.PlayerID) domain.BattleResult {
	return domain.BattleResult{WinnerID: p1}
}

func meta(podID string) domain.Metadata { return domain.Metadata{PodID: podID} }

// Scenario A: same-pod normal match.
func TestScenarioA_SamePodNormalMatch(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	ctx := context.Background()
	p1, p2 := uuid.New(), uuid.New()

	if _, err := mm.Enqueue(ctx, p1, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue p1: %v", err)
	}
	if _, err := mm.Enqueue(ctx, p2, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue p2: %v", err)
	}
	if st.QueueSize("Normal") != 2 {
		t.Fatalf("queue size = %d, want 2", st.QueueSize("Normal"))
	}

	mm.TryMatch(ctx)

	if !rtr.has(p1) || !rtr.has(p2) {
		t.Fatalf("expected both participants to receive match_found")
	}
	if st.QueueSize("Normal") != 0 {
		t.Fatalf("queue size after match = %d, want 0", st.QueueSize("Normal"))
	}
}

// Scenario B analogue: a routing failure for one
// participant re-enqueues both, regardless of whether the failure came from
// the registry (same-pod) or from a zero-subscriber cross-pod publish — the
// matchmaker's requeue-on-failure path is the same either way.
func TestScenarioB_RoutingFailureRequeuesBoth(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	ctx := context.Background()
	p1, p2 := uuid.New(), uuid.New()
	rtr.failFor[p2] = true

	if _, err := mm.Enqueue(ctx, p1, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue p1: %v", err)
	}
	if _, err := mm.Enqueue(ctx, p2, "Normal", meta("podB")); err != nil {
		t.Fatalf("enqueue p2: %v", err)
	}

	mm.TryMatch(ctx)

	if rtr.count() != 0 {
		t.Fatalf("expected no delivered match_found when one participant's route fails, got %d", rtr.count())
	}
	if !st.IsQueued("Normal", p1) || !st.IsQueued("Normal", p2) {
		t.Fatalf("both participants should be requeued after a routing failure")
	}
	if !st.HasMetadata(p1) || !st.HasMetadata(p2) {
		t.Fatalf("requeued participants should have metadata restored")
	}
}

// Scenario C: a poisoned candidate is dropped, never
// paired, and never re-enters the queue.
func TestScenarioC_PoisonedCandidateDropped(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	ctx := context.Background()
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()

	if _, err := mm.Enqueue(ctx, p1, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue p1: %v", err)
	}
	if _, err := mm.Enqueue(ctx, p2, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue p2: %v", err)
	}
	if _, err := mm.Enqueue(ctx, p3, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue p3: %v", err)
	}
	st.PoisonMetadata(p2, "{}")

	mm.TryMatch(ctx)

	if rtr.has(p2) {
		t.Fatalf("poisoned candidate must never receive match_found")
	}
	if st.IsQueued("Normal", p2) {
		t.Fatalf("poisoned candidate must never re-enter the queue")
	}
	if !rtr.has(p1) || !rtr.has(p3) {
		t.Fatalf("the two clean candidates should have been paired")
	}
}

// Scenario D: repeated store failures open the circuit
// breaker, after which Enqueue fails fast without reaching the store.
func TestScenarioD_StoreFailuresOpenBreaker(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	br := breaker.New(3, 60*time.Second)
	inv := battle.New(func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	}, time.Second)
	mtr := metrics.New(prometheus.NewRegistry())
	mm := New(testMode("Normal", 2, 2, false), st, br, rtr, inv, mtr, zerolog.Nop(), 50*time.Millisecond)

	ctx := context.Background()
	st.FailNext = 3

	for i := 0; i < 3; i++ {
		if _, err := mm.Enqueue(ctx, uuid.New(), "Normal", meta("podA")); err == nil {
			t.Fatalf("expected injected store failure on attempt %d", i)
		}
	}
	if br.State() != breaker.Open {
		t.Fatalf("breaker state = %v, want Open after 3 consecutive failures", br.State())
	}

	before := st.QueueSize("Normal")
	if _, err := mm.Enqueue(ctx, uuid.New(), "Normal", meta("podA")); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected a fail-fast ErrOpen while breaker is open, got %v", err)
	}
	if st.QueueSize("Normal") != before {
		t.Fatalf("a fail-fast rejection must not touch the store")
	}
}

// Each tick observes and publishes the breaker's current state, regardless
// of whether the tick goes on to run a match cycle.
func TestTryMatchTickPublishesBreakerState(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	mm.tryMatchTick(context.Background())

	gauge := mm.metrics.BreakerState.WithLabelValues("Normal")
	if got := testutil.ToFloat64(gauge); got != metrics.BreakerStateValue(breaker.Closed) {
		t.Fatalf("BreakerState = %v, want %v (closed)", got, metrics.BreakerStateValue(breaker.Closed))
	}
}

// Scenario E: concurrent enqueue of the same player
// resolves to exactly one added=1.
func TestScenarioE_ConcurrentEnqueueIdempotent(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	ctx := context.Background()
	p1 := uuid.New()

	var wg sync.WaitGroup
	results := make([]store.EnqueueResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := mm.Enqueue(ctx, p1, "Normal", meta("podA"))
			if err != nil {
				t.Errorf("enqueue %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	addedCount := 0
	for _, r := range results {
		if r.Added {
			addedCount++
		}
	}
	if addedCount != 1 {
		t.Fatalf("expected exactly one added=1 among concurrent enqueues, got %d", addedCount)
	}
	if st.QueueSize("Normal") != 1 {
		t.Fatalf("queue size = %d, want 1", st.QueueSize("Normal"))
	}
}

// Scenario F: shutdown mid-tick requeues every popped
// candidate before exit, and no match_found is emitted for that tick.
func TestScenarioF_ShutdownMidTickRequeuesAll(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	ids := make([]domain.PlayerID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		if _, err := mm.Enqueue(context.Background(), ids[i], "Normal", meta("podA")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	cancel() // shutdown signal raised before pairing completes
	mm.TryMatch(ctx)

	if rtr.count() != 0 {
		t.Fatalf("no match_found should be emitted once shutdown is signaled mid-tick")
	}
	for _, id := range ids {
		if !st.IsQueued("Normal", id) || !st.HasMetadata(id) {
			t.Fatalf("candidate %s should be requeued with metadata restored after shutdown", id)
		}
	}
}

// Invariant 4: at most one TryMatch per mode is active at
// any instant, verified by stress-spawning many ticks concurrently.
func TestInFlightFlagSerializesTicks(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	var concurrent, maxConcurrent int32
	var mu sync.Mutex

	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		return alwaysP1Wins(p1, p2), nil
	})

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		p1, p2 := uuid.New(), uuid.New()
		mm.Enqueue(ctx, p1, "Normal", meta("podA"))
		mm.Enqueue(ctx, p2, "Normal", meta("podA"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mm.tryMatchTick(ctx)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Fatalf("observed %d concurrent battle invocations, want at most 1 (in-flight flag should serialize ticks)", maxConcurrent)
	}
}

// Boundary behavior: required_players=2 with one candidate
// remaining re-enqueues the singleton with its original metadata preserved.
func TestSingletonLeftoverRequeued(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Normal", 2, 2, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})

	ctx := context.Background()
	p1 := uuid.New()
	if _, err := mm.Enqueue(ctx, p1, "Normal", meta("podA")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mm.TryMatch(ctx)

	if !st.IsQueued("Normal", p1) || !st.HasMetadata(p1) {
		t.Fatalf("lone candidate should remain queued with metadata intact")
	}
	if rtr.count() != 0 {
		t.Fatalf("no match should form with fewer than required_players candidates")
	}
}

// Boundary behavior: batch_size=0 pop returns empty, no
// state change.
func TestZeroBatchSizeNoop(t *testing.T) {
	st := storetest.New()
	rtr := newFakeRouter()
	mm := newTestMatchmaker(t, testMode("Empty", 0, 0, false), st, rtr, func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		return alwaysP1Wins(p1, p2), nil
	})
	mm.TryMatch(context.Background())
	if rtr.count() != 0 {
		t.Fatalf("a zero batch size should never dispatch a pair")
	}
}
