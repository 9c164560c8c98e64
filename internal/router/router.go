// Package router implements the Cross-Pod Router: the
// same-pod vs. other-pod delivery decision, and the per-process subscriber
// loop that re-delivers cross-pod messages locally.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/larrybui/cardmatch/internal/domain"
	"github.com/larrybui/cardmatch/internal/health"
	"github.com/larrybui/cardmatch/internal/protocol"
	"github.com/larrybui/cardmatch/internal/registry"
)

// ErrDownstreamUnreachable is returned when a cross-pod publish reaches zero
// subscribers.
var ErrDownstreamUnreachable = errors.New("router: target pod unreachable (zero subscribers)")

// channelName returns the per-pod pub/sub channel name.
func channelName(podID string) string {
	return fmt.Sprintf("pod:%s:game_message", podID)
}

// Publisher is the subset of redis.Cmdable the router needs to publish.
// Kept narrow so tests can fake it without a real client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Router decides same-pod vs. cross-pod delivery and owns this pod's single
// subscription to its own channel.
type Router struct {
	localPodID string
	publisher  Publisher
	subscriber redis.UniversalClient
	registry   *registry.Registry
	monitor    *health.SubscriberMonitor
	publishTimeout time.Duration
	logger     zerolog.Logger

	droppedMissingTargets atomicCounter
}

// New constructs a Router bound to localPodID, the shared store's publish
// client, the process's Player Registry, and a subscriber monitor.
func New(localPodID string, publisher Publisher, subscriber redis.UniversalClient, reg *registry.Registry, monitor *health.SubscriberMonitor, publishTimeout time.Duration, logger zerolog.Logger) *Router {
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	return &Router{
		localPodID:     localPodID,
		publisher:      publisher,
		subscriber:     subscriber,
		registry:       reg,
		monitor:        monitor,
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

// RouteTo delivers message to targetPlayerID, owned by the pod named in
// podID. Equal to the local pod identity -> direct in-process delivery via
// the Player Registry (fire-and-forget, the only zero-network path).
// Different -> publish a JSON envelope on the target pod's channel; zero
// subscribers is treated as a failure.
func (r *Router) RouteTo(ctx context.Context, podID string, targetPlayerID domain.PlayerID, message any) error {
	if podID == r.localPodID {
		err := r.registry.RouteTo(targetPlayerID, message)
		if err != nil {
			r.logger.Warn().Str("player_id", targetPlayerID.String()).Err(err).Msg("same-pod route failed")
		}
		return err
	}
	return r.publishCrossPod(ctx, podID, targetPlayerID, message)
}

func (r *Router) publishCrossPod(ctx context.Context, podID string, targetPlayerID domain.PlayerID, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("router: marshal message: %w", err)
	}
	envelope := protocol.PodEnvelope{TargetPlayerID: targetPlayerID.String(), Message: payload}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("router: marshal envelope: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	subscribers, err := r.publisher.Publish(cctx, channelName(podID), envelopeJSON).Result()
	if err != nil {
		return fmt.Errorf("router: publish to pod %s: %w", podID, err)
	}

	if unreachable := r.monitor.Observe(podID, subscribers); unreachable {
		return fmt.Errorf("%w: pod %s", ErrDownstreamUnreachable, podID)
	}
	return nil
}

// Subscribe runs this pod's single long-running subscription to
// pod:<self>:game_message for the lifetime of ctx. On receipt it parses the envelope, looks up the
// target in the Player Registry, and delivers locally; missing targets are
// counted and dropped. It drains pending receives and returns within
// gracePeriod after ctx is canceled.
func (r *Router) Subscribe(ctx context.Context, gracePeriod time.Duration) error {
	pubsub := r.subscriber.Subscribe(ctx, channelName(r.localPodID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return r.drain(ch, gracePeriod)
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(msg.Payload)
		}
	}
}

// drain keeps consuming already-buffered messages for up to gracePeriod
// after cancellation, rather than dropping them on the floor mid-flight.
func (r *Router) drain(ch <-chan *redis.Message, gracePeriod time.Duration) error {
	deadline := time.NewTimer(gracePeriod)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(msg.Payload)
		}
	}
}

func (r *Router) handleMessage(payload string) {
	var envelope protocol.PodEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		r.logger.Error().Err(err).Msg("malformed pod envelope")
		return
	}
	targetID, err := parsePlayerID(envelope.TargetPlayerID)
	if err != nil {
		r.logger.Error().Err(err).Str("target", envelope.TargetPlayerID).Msg("malformed target player id")
		return
	}

	if err := r.registry.RouteTo(targetID, json.RawMessage(envelope.Message)); err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			r.droppedMissingTargets.add(1)
			r.logger.Info().Str("player_id", targetID.String()).Msg("dropping cross-pod message, stale session")
			return
		}
		r.logger.Error().Err(err).Str("player_id", targetID.String()).Msg("local delivery of cross-pod message failed")
	}
}

// DroppedMissingTargets reports how many cross-pod messages were dropped
// because the target had no registered handle on this pod.
func (r *Router) DroppedMissingTargets() int64 {
	return r.droppedMissingTargets.get()
}
