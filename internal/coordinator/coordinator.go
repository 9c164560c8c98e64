// Package coordinator implements the Match Coordinator:
// the fan-in surface player sessions use to enqueue or dequeue without
// knowing which Matchmaker instance owns a given mode. It also is the only
// place that builds a player's metadata blob from trusted in-process state;
// clients never supply that blob directly.
package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/larrybui/cardmatch/internal/coreerr"
	"github.com/larrybui/cardmatch/internal/domain"
	"github.com/larrybui/cardmatch/internal/metrics"
	"github.com/larrybui/cardmatch/internal/protocol"
	"github.com/larrybui/cardmatch/internal/ratelimit"
	"github.com/larrybui/cardmatch/internal/store"
)

// Matchmaker is the subset of *matchmaker.Matchmaker the coordinator
// depends on, kept narrow so tests can supply a fake rather than a full
// Matchmaker with a live store.
type Matchmaker interface {
	Mode() string
	Enqueue(ctx context.Context, playerID domain.PlayerID, mode string, metadata domain.Metadata) (store.EnqueueResult, error)
	Dequeue(ctx context.Context, playerID domain.PlayerID, mode string) (store.DequeueResult, error)
}

// ErrUnknownMode is returned when a request names a mode with no registered
// matchmaker.
var ErrUnknownMode = fmt.Errorf("coordinator: unknown game mode")

// PlayerContext is the trusted in-process state the coordinator uses to
// build a queued player's metadata blob: deck, MMR, and
// any mode-specific extras, plus the pod that owns this player's session.
// Callers (the Player Session layer) supply this; it is never taken from
// the client message itself.
type PlayerContext struct {
	PodID string
	Deck  []byte
	MMR   *int64
	Extra []byte
}

func (p PlayerContext) toMetadata() domain.Metadata {
	return domain.Metadata{
		PodID: p.PodID,
		Deck:  p.Deck,
		MMR:   p.MMR,
		Extra: p.Extra,
	}
}

// Coordinator holds the mode_id -> matchmaker routing table and the
// ingress rate limiter.
type Coordinator struct {
	matchmakers map[string]Matchmaker
	limiter     *ratelimit.Limiter
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New constructs a Coordinator over the given matchmakers, one per mode.
// limiter may be nil, in which case ingress is unthrottled.
func New(matchmakers []Matchmaker, limiter *ratelimit.Limiter, mtr *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	table := make(map[string]Matchmaker, len(matchmakers))
	for _, mm := range matchmakers {
		table[mm.Mode()] = mm
	}
	return &Coordinator{matchmakers: table, limiter: limiter, metrics: mtr, logger: logger}
}

// Enqueue dispatches an enqueue request to the matchmaker owning mode,
// building the metadata blob from the caller-supplied trusted context.
// sourceID identifies the rate-limit bucket, typically the player's
// connection id.
func (c *Coordinator) Enqueue(ctx context.Context, sourceID string, playerID domain.PlayerID, mode string, pctx PlayerContext) (store.EnqueueResult, error) {
	if c.limiter != nil && !c.limiter.Allow(sourceID) {
		c.metrics.RateLimitRejections.Inc()
		return store.EnqueueResult{}, coreerr.RateLimited("Enqueue", fmt.Errorf("rate limit exceeded for source %q", sourceID))
	}
	mm, ok := c.matchmakers[mode]
	if !ok {
		return store.EnqueueResult{}, coreerr.Validation("Enqueue", fmt.Errorf("%w: %q", ErrUnknownMode, mode))
	}
	return mm.Enqueue(ctx, playerID, mode, pctx.toMetadata())
}

// Dequeue dispatches a dequeue request to the matchmaker owning mode.
func (c *Coordinator) Dequeue(ctx context.Context, sourceID string, playerID domain.PlayerID, mode string) (store.DequeueResult, error) {
	if c.limiter != nil && !c.limiter.Allow(sourceID) {
		c.metrics.RateLimitRejections.Inc()
		return store.DequeueResult{}, coreerr.RateLimited("Dequeue", fmt.Errorf("rate limit exceeded for source %q", sourceID))
	}
	mm, ok := c.matchmakers[mode]
	if !ok {
		return store.DequeueResult{}, coreerr.Validation("Dequeue", fmt.Errorf("%w: %q", ErrUnknownMode, mode))
	}
	return mm.Dequeue(ctx, playerID, mode)
}

// Dispatch handles one inbound protocol.ClientMessage end to end, the shape
// the Player Session layer calls into on every inbound frame. It returns the ack/result message to send back to the client, or an
// error the caller renders as a protocol.ErrorMessage.
func (c *Coordinator) Dispatch(ctx context.Context, sourceID string, playerID domain.PlayerID, msg protocol.ClientMessage, pctx PlayerContext) (any, error) {
	switch msg.Type {
	case protocol.TypeEnqueue:
		if _, err := c.Enqueue(ctx, sourceID, playerID, msg.GameMode, pctx); err != nil {
			return nil, err
		}
		return protocol.NewEnQueuedMessage(), nil
	case protocol.TypeDequeue:
		if _, err := c.Dequeue(ctx, sourceID, playerID, msg.GameMode); err != nil {
			return nil, err
		}
		return protocol.NewDeQueuedMessage(), nil
	case protocol.TypeHeartbeat:
		return nil, nil
	default:
		return nil, coreerr.Validation("Dispatch", fmt.Errorf("unrecognized message type %q", msg.Type))
	}
}
