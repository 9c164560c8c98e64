// Package domain holds the data model shared by every matchmaking component:
// queued candidates, their server-built metadata, game mode settings, and the
// opaque battle result produced by the external Battle Simulator.
package domain

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrEmptyMetadata is returned when a caller attempts to enqueue a player with
// a metadata blob that has no owning pod identity.
var ErrEmptyMetadata = errors.New("domain: metadata missing owning pod identity")

// PlayerID is the opaque 128-bit player identity.
type PlayerID = uuid.UUID

// Metadata is the server-produced JSON blob attached to a queued player.
// Clients never supply this; the Match Coordinator builds it from trusted
// in-process state (deck, level, items, owning pod).
type Metadata struct {
	PodID string          `json:"pod_id"`
	Deck  json.RawMessage `json:"deck,omitempty"`
	MMR   *int64          `json:"mmr,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Validate reports whether the metadata carries a non-empty owning pod
// identifier, the single precondition the ENQUEUE script enforces.
func (m Metadata) Validate() error {
	if m.PodID == "" {
		return ErrEmptyMetadata
	}
	return nil
}

// MarshalForStore serializes the metadata the way the ENQUEUE script expects
// it: a JSON object string written to metadata:<player_id>.
func (m Metadata) MarshalForStore() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseMetadata parses the JSON a pop script returns for one candidate. A
// missing pod_id or the literal empty-object sentinel "{}" both classify the
// candidate as poisoned.
func ParseMetadata(raw string) (Metadata, error) {
	if raw == "" || raw == "{}" {
		return Metadata{}, ErrEmptyMetadata
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, err
	}
	if m.PodID == "" {
		return Metadata{}, ErrEmptyMetadata
	}
	return m, nil
}

// Candidate is a player materialized out of the shared queue: identity,
// score (enqueue timestamp in ms, or MMR for ranked modes), and the metadata
// attached at enqueue time. Candidates are owned by the current tick's
// workflow until routed or requeued.
type Candidate struct {
	PlayerID PlayerID
	Score    int64
	Metadata Metadata
}

// PodID is the owning pod identity convenience accessor.
func (c Candidate) PodID() string {
	return c.Metadata.PodID
}

// BattleResult is the opaque payload produced by the pure Battle Simulator.
// The core never inspects battle_data; it only routes the result.
type BattleResult struct {
	WinnerID   PlayerID        `json:"winner_id"`
	BattleData json.RawMessage `json:"battle_data"`
}
