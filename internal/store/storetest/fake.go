// Package storetest provides an in-memory reproduction of the shared
// store's atomic scripts for use in tests that would
// otherwise need a live Redis instance. It is deliberately a separate
// package (not a _test.go file) so both internal/store's own tests and
// internal/matchmaker's tests can depend on it, keeping the reusable test
// fixture in one place rather than duplicating it.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/larrybui/cardmatch/internal/domain"
	"github.com/larrybui/cardmatch/internal/store"
)

// FakeStore reproduces the ENQUEUE/DEQUEUE/POP_BATCH scripts' semantics in
// plain Go under a single mutex, standing in for Redis's own
// single-threaded script execution.
type FakeStore struct {
	mu       sync.Mutex
	queues   map[string]map[string]int64 // mode -> playerID -> score
	metadata map[string]string           // playerID -> metadata json

	// FailNext, when > 0, makes the next N calls to any method return
	// store.ErrStoreUnavailable without touching state, for exercising
	// circuit-breaker and backoff behavior.
	FailNext int
	// Delay, when set, is applied before each call returns, so tests can
	// simulate a slow store against a context timeout.
	Delay func(ctx context.Context) error
}

var _ store.Store = (*FakeStore)(nil)

// New constructs an empty FakeStore.
func New() *FakeStore {
	return &FakeStore{
		queues:   make(map[string]map[string]int64),
		metadata: make(map[string]string),
	}
}

func (f *FakeStore) maybeFail() error {
	if f.FailNext > 0 {
		f.FailNext--
		return fmt.Errorf("%w: injected failure", store.ErrStoreUnavailable)
	}
	return nil
}

func (f *FakeStore) Enqueue(ctx context.Context, mode string, playerID domain.PlayerID, timestampMS int64, metadata domain.Metadata) (store.EnqueueResult, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return store.EnqueueResult{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return store.EnqueueResult{}, err
	}
	if err := metadata.Validate(); err != nil {
		return store.EnqueueResult{}, err
	}
	metadataJSON, err := metadata.MarshalForStore()
	if err != nil {
		return store.EnqueueResult{}, err
	}

	q := f.queues[mode]
	if q == nil {
		q = make(map[string]int64)
		f.queues[mode] = q
	}

	id := playerID.String()
	if _, present := q[id]; present {
		return store.EnqueueResult{Added: false, Size: int64(len(q))}, nil
	}
	q[id] = timestampMS
	f.metadata[id] = metadataJSON
	return store.EnqueueResult{Added: true, Size: int64(len(q))}, nil
}

func (f *FakeStore) Dequeue(ctx context.Context, mode string, playerID domain.PlayerID) (store.DequeueResult, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return store.DequeueResult{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return store.DequeueResult{}, err
	}

	q := f.queues[mode]
	id := playerID.String()
	_, present := q[id]
	if present {
		delete(q, id)
	}
	delete(f.metadata, id)

	size := int64(0)
	if q != nil {
		size = int64(len(q))
	}
	return store.DequeueResult{Removed: present, Size: size}, nil
}

func (f *FakeStore) PopBatch(ctx context.Context, mode string, batchSize int) ([]domain.Candidate, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, nil
	}

	q := f.queues[mode]
	type entry struct {
		id    string
		score int64
	}
	entries := make([]entry, 0, len(q))
	for id, score := range q {
		entries = append(entries, entry{id, score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].id < entries[j].id
	})
	if batchSize < len(entries) {
		entries = entries[:batchSize]
	}

	out := make([]domain.Candidate, 0, len(entries))
	for _, e := range entries {
		delete(q, e.id)
		rawMetadata := f.metadata[e.id]
		if rawMetadata == "" {
			rawMetadata = "{}"
		}
		delete(f.metadata, e.id)

		meta, _ := domain.ParseMetadata(rawMetadata)
		id, err := uuid.Parse(e.id)
		if err != nil {
			continue
		}
		out = append(out, domain.Candidate{PlayerID: id, Score: e.score, Metadata: meta})
	}
	return out, nil
}

// QueueSize returns the number of entries queued under mode, for test
// assertions.
func (f *FakeStore) QueueSize(mode string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[mode])
}

// HasMetadata reports whether a metadata blob exists for playerID.
func (f *FakeStore) HasMetadata(playerID domain.PlayerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.metadata[playerID.String()]
	return ok
}

// IsQueued reports whether playerID currently has a queue entry under mode.
func (f *FakeStore) IsQueued(mode string, playerID domain.PlayerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[mode]
	if q == nil {
		return false
	}
	_, ok := q[playerID.String()]
	return ok
}

// PoisonMetadata corrupts the metadata blob for a still-queued player, for
// constructing a poisoned-candidate fixture in tests.
func (f *FakeStore) PoisonMetadata(playerID domain.PlayerID, rawJSON string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[playerID.String()] = rawJSON
}
