package router

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/larrybui/cardmatch/internal/domain"
)

func parsePlayerID(s string) (domain.PlayerID, error) {
	return uuid.Parse(s)
}

// atomicCounter is a tiny wrapper around atomic.Int64 used for the
// process-local counters this package needs.
type atomicCounter struct {
	v atomic.Int64
}

func (c *atomicCounter) add(n int64) { c.v.Add(n) }
func (c *atomicCounter) get() int64  { return c.v.Load() }
