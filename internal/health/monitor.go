// Package health implements the subscriber-availability monitor and the
// liveness counters used for operational health reporting. It is
// deliberately free of any HTTP serving concern —
// exposing an admin/metrics surface is an explicit external collaborator
//; this package only produces the signals such a surface
// would read.
package health

import "sync"

// EventKind identifies a health event, following the common Go pattern of
// a string-typed kind paired with a Kind/Payload event struct.
type EventKind string

const (
	EventPodDown     EventKind = "pod_down"
	EventPodRecovered EventKind = "pod_recovered"
)

// Event is a single health signal emitted by the subscriber monitor.
type Event struct {
	Kind  EventKind
	PodID string
}

// SubscriberMonitor tracks consecutive "no subscribers" results per target
// pod. After ConsecutiveThreshold consecutive absences,
// the pod is considered down and a pod_down event fires; a subsequent
// non-zero subscriber count resets the counter and fires pod_recovered.
type SubscriberMonitor struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	down      map[string]bool
	events    chan Event
}

// NewSubscriberMonitor constructs a monitor. threshold <= 0 defaults to 3
// consecutive absences.
func NewSubscriberMonitor(threshold int) *SubscriberMonitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &SubscriberMonitor{
		threshold: threshold,
		counts:    make(map[string]int),
		down:      make(map[string]bool),
		events:    make(chan Event, 64),
	}
}

// Events returns the channel health events are published on. Callers
// (typically internal/metrics or an external alerting sink) should drain it;
// the channel is buffered so a slow/no consumer never blocks a publish
// attempt on the router's hot path.
func (m *SubscriberMonitor) Events() <-chan Event {
	return m.events
}

// Observe records the subscriber count returned by a publish attempt to
// podID and reports whether this observation should be treated as a
// DownstreamUnreachable failure (subscriberCount == 0).
func (m *SubscriberMonitor) Observe(podID string, subscriberCount int64) (unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subscriberCount > 0 {
		wasDown := m.down[podID]
		m.counts[podID] = 0
		if wasDown {
			m.down[podID] = false
			m.publish(Event{Kind: EventPodRecovered, PodID: podID})
		}
		return false
	}

	m.counts[podID]++
	if m.counts[podID] >= m.threshold && !m.down[podID] {
		m.down[podID] = true
		m.publish(Event{Kind: EventPodDown, PodID: podID})
	}
	return true
}

// publish sends without blocking; when the buffer is full the new event is
// dropped rather than stalling the caller (mirrors the router's at-most-once
// delivery guarantee — health signals are best-effort, not authoritative).
func (m *SubscriberMonitor) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// IsDown reports whether podID is currently considered down.
func (m *SubscriberMonitor) IsDown(podID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down[podID]
}
