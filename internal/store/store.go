// Package store implements the shared key-value store's key space and the
// three atomic scripts that are the only permitted way to mutate a mode's
// queue and its players' metadata blobs. Every queue mutation that touches
// more than one key is a script; there is no multi-step client-side
// sequence anywhere in this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/larrybui/cardmatch/internal/domain"
)

// ErrStoreUnavailable wraps any failure talking to the shared store,
// including a timed-out call.
var ErrStoreUnavailable = errors.New("store: shared store unavailable")

// EnqueueResult is the {added?, size} pair the ENQUEUE script returns.
type EnqueueResult struct {
	Added bool
	Size  int64
}

// DequeueResult is the {removed?, size} pair the DEQUEUE script returns.
type DequeueResult struct {
	Removed bool
	Size    int64
}

// Store is the shared-store boundary the matchmaker depends on. It is
// satisfied by *RedisStore in production and by a hand-rolled fake in tests
// (storetest.FakeStore in internal/store/storetest) that reproduces the same Lua semantics in plain
// Go, letting the property tests in matchmaker_test.go run without a real
// Redis instance.
type Store interface {
	Enqueue(ctx context.Context, mode string, playerID domain.PlayerID, timestampMS int64, metadata domain.Metadata) (EnqueueResult, error)
	Dequeue(ctx context.Context, mode string, playerID domain.PlayerID) (DequeueResult, error)
	PopBatch(ctx context.Context, mode string, batchSize int) ([]domain.Candidate, error)
}

// queueKey returns the ordered-queue key for a mode.
func queueKey(mode string) string {
	return fmt.Sprintf("queue:%s", mode)
}

// RedisStore is the production Store backed by github.com/redis/go-redis/v9.
// All three operations are evaluated as single atomic Lua scripts so that
// "metadata exists iff the player is queued" can never be observed broken
// mid-mutation.
type RedisStore struct {
	client      redis.Cmdable
	callTimeout time.Duration
}

// NewRedisStore constructs a store bound to an existing redis client (a
// *redis.Client or *redis.ClusterClient, both of which satisfy
// redis.Cmdable). callTimeout bounds every call.
func NewRedisStore(client redis.Cmdable, callTimeout time.Duration) *RedisStore {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &RedisStore{client: client, callTimeout: callTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// Enqueue runs the ENQUEUE script. Preconditions (mode match, non-empty
// metadata) are checked by the caller (internal/matchmaker); this method
// only rejects an empty metadata blob it is handed directly, mirroring the
// script's own guard.
func (s *RedisStore) Enqueue(ctx context.Context, mode string, playerID domain.PlayerID, timestampMS int64, metadata domain.Metadata) (EnqueueResult, error) {
	if err := metadata.Validate(); err != nil {
		return EnqueueResult{}, err
	}
	metadataJSON, err := metadata.MarshalForStore()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("store: marshal metadata: %w", err)
	}

	cctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := enqueueScript.Run(cctx, s.client, []string{queueKey(mode)}, playerID.String(), timestampMS, metadataJSON).Result()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
	}

	added, size, err := parseAddedSizeReply(res)
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Added: added == 1, Size: size}, nil
}

// Dequeue runs the DEQUEUE script. Idempotent: dequeuing a player not
// present in the queue returns Removed=false, not an error.
func (s *RedisStore) Dequeue(ctx context.Context, mode string, playerID domain.PlayerID) (DequeueResult, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := dequeueScript.Run(cctx, s.client, []string{queueKey(mode)}, playerID.String()).Result()
	if err != nil {
		return DequeueResult{}, fmt.Errorf("%w: dequeue: %v", ErrStoreUnavailable, err)
	}

	items, ok := res.([]interface{})
	if !ok || len(items) < 2 {
		return DequeueResult{}, fmt.Errorf("store: malformed DEQUEUE reply: %#v", res)
	}
	removed, err := toInt64(items[0])
	if err != nil {
		return DequeueResult{}, fmt.Errorf("store: malformed DEQUEUE reply: %w", err)
	}
	size, err := toInt64(items[1])
	if err != nil {
		return DequeueResult{}, fmt.Errorf("store: malformed DEQUEUE reply: %w", err)
	}
	return DequeueResult{Removed: removed == 1, Size: size}, nil
}

// PopBatch runs the POP_BATCH script and parses the flat
// (player_id, score, metadata_or_"{}") stream it returns into Candidates.
// A candidate whose metadata fails to parse is still returned — with a zero
// Metadata — so the caller (internal/matchmaker) can classify it as
// poisoned and count it; PopBatch itself does not decide poisoning.
func (s *RedisStore) PopBatch(ctx context.Context, mode string, batchSize int) ([]domain.Candidate, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	cctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := popBatchScript.Run(cctx, s.client, []string{queueKey(mode)}, batchSize).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: pop_batch: %v", ErrStoreUnavailable, err)
	}

	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("store: malformed POP_BATCH reply: %#v", res)
	}
	if len(items)%3 != 0 {
		return nil, fmt.Errorf("store: POP_BATCH reply length %d not a multiple of 3", len(items))
	}

	candidates := make([]domain.Candidate, 0, len(items)/3)
	for i := 0; i < len(items); i += 3 {
		idStr, ok := items[i].(string)
		if !ok {
			return nil, fmt.Errorf("store: POP_BATCH player_id not a string: %#v", items[i])
		}
		playerID, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: POP_BATCH player_id %q not a uuid: %w", idStr, err)
		}
		score, err := toInt64(items[i+1])
		if err != nil {
			return nil, fmt.Errorf("store: POP_BATCH score: %w", err)
		}
		rawMetadata, _ := items[i+2].(string)

		// A parse failure and a validation failure both collapse to the
		// zero Metadata (PodID == ""), which is exactly the poisoned
		// predicate the matchmaker checks.
		meta, _ := domain.ParseMetadata(rawMetadata)
		candidates = append(candidates, domain.Candidate{
			PlayerID: playerID,
			Score:    score,
			Metadata: meta,
		})
	}
	return candidates, nil
}

func parseAddedSizeReply(res interface{}) (int64, int64, error) {
	items, ok := res.([]interface{})
	if !ok || len(items) < 2 {
		return 0, 0, fmt.Errorf("store: malformed ENQUEUE reply: %#v", res)
	}
	added, err := toInt64(items[0])
	if err != nil {
		return 0, 0, fmt.Errorf("store: malformed ENQUEUE reply: %w", err)
	}
	size, err := toInt64(items[1])
	if err != nil {
		return 0, 0, fmt.Errorf("store: malformed ENQUEUE reply: %w", err)
	}
	return added, size, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, err
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unexpected numeric reply type %T", v)
	}
}
