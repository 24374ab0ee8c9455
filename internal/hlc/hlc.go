// Package hlc implements the hybrid-logical clock used to order causal
// deltas across nodes: physical time with a logical tie-breaker, so
// concurrent events on different nodes still compare deterministically.
package hlc

import (
	"encoding/binary"
	"sync"
	"time"
)

// Timestamp is (physical_ms, logical, node_id). Comparison is lexicographic
// on (physical, logical) with node_id as the final tie-breaker.
type Timestamp struct {
	PhysicalMS uint64
	Logical    uint16
	NodeID     [32]byte
}

// Bytes returns the canonical encoding of ts used in content hashing.
func (ts Timestamp) Bytes() [42]byte {
	var out [42]byte
	binary.LittleEndian.PutUint64(out[0:8], ts.PhysicalMS)
	binary.LittleEndian.PutUint16(out[8:10], ts.Logical)
	copy(out[10:42], ts.NodeID[:])
	return out
}

// Compare returns -1, 0, or 1 if ts sorts before, equal to, or after other.
func (ts Timestamp) Compare(other Timestamp) int {
	if ts.PhysicalMS != other.PhysicalMS {
		if ts.PhysicalMS < other.PhysicalMS {
			return -1
		}
		return 1
	}
	if ts.Logical != other.Logical {
		if ts.Logical < other.Logical {
			return -1
		}
		return 1
	}
	for i := range ts.NodeID {
		if ts.NodeID[i] != other.NodeID[i] {
			if ts.NodeID[i] < other.NodeID[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Before reports whether ts sorts strictly before other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.Compare(other) < 0 }

// Clock is a per-node hybrid-logical clock generator. Safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	nodeID [32]byte
	last   Timestamp
	nowFn  func() time.Time
}

// New creates a clock for nodeID, seeded at the zero timestamp.
func New(nodeID [32]byte) *Clock {
	return &Clock{nodeID: nodeID, nowFn: time.Now}
}

// Now advances the clock for a local event and returns the new timestamp.
// Physical time moves forward with wall-clock time; if wall-clock has not
// advanced past the last recorded physical time, the logical counter
// advances instead.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := uint64(c.nowFn().UnixMilli())
	if physical > c.last.PhysicalMS {
		c.last = Timestamp{PhysicalMS: physical, Logical: 0, NodeID: c.nodeID}
	} else {
		c.last = Timestamp{PhysicalMS: c.last.PhysicalMS, Logical: c.last.Logical + 1, NodeID: c.nodeID}
	}
	return c.last
}

// Update folds a remote timestamp into the clock on message receipt: take
// the max of local/remote physical time, then advance the logical counter
// so the result strictly follows both inputs.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := uint64(c.nowFn().UnixMilli())
	maxPhysical := c.last.PhysicalMS
	if remote.PhysicalMS > maxPhysical {
		maxPhysical = remote.PhysicalMS
	}
	if physicalNow > maxPhysical {
		maxPhysical = physicalNow
	}

	var logical uint16
	switch {
	case maxPhysical == c.last.PhysicalMS && maxPhysical == remote.PhysicalMS:
		logical = max16(c.last.Logical, remote.Logical) + 1
	case maxPhysical == c.last.PhysicalMS:
		logical = c.last.Logical + 1
	case maxPhysical == remote.PhysicalMS:
		logical = remote.Logical + 1
	default:
		logical = 0
	}

	c.last = Timestamp{PhysicalMS: maxPhysical, Logical: logical, NodeID: c.nodeID}
	return c.last
}

func max16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
