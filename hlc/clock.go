// Package hlc issues strictly increasing load timestamps for vault rows.
// Two satellites written for the same parent within one millisecond must still
// get distinct load_ts values, so the wall clock is extended with a logical counter.
package hlc

import (
	"sync"
	"time"
)

// LogicalBits is the number of bits reserved for the logical counter in load IDs.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits for ToLoadID
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for the writer's node ID in load IDs.
const NodeIDBits = 6

// NodeIDMask masks the node ID to 6 bits for ToLoadID
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is how far the millisecond component is shifted
const TotalShiftBits = NodeIDBits + LogicalBits

// MaxLogical is the highest logical value handed out within one millisecond
const MaxLogical = LogicalMask

// Clock is a hybrid logical clock local to one vault writer.
type Clock struct {
	mu      sync.Mutex
	nodeID  uint64
	lastMS  int64
	logical int32
}

// Timestamp is a millisecond wall time plus a logical counter
type Timestamp struct {
	WallMS  int64
	Logical int32
	NodeID  uint64
}

// NewClock creates a clock for the given writer node
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID: nodeID,
		lastMS: time.Now().UnixMilli(),
	}
}

// Now returns a timestamp strictly greater than every previous one from this clock
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	if nowMS > c.lastMS {
		c.lastMS = nowMS
		c.logical = 0
	}

	// Counter exhausted for this millisecond: wait for the wall clock to move on.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		if ms := time.Now().UnixMilli(); ms > c.lastMS {
			c.lastMS = ms
			c.logical = 0
		}
	}

	c.logical++
	return Timestamp{WallMS: c.lastMS, Logical: c.logical, NodeID: c.nodeID}
}

// Observe advances the clock past a load ID that was already persisted,
// so a restarted writer never reissues a value it handed out before.
func (c *Clock) Observe(loadID uint64) {
	ts := FromLoadID(loadID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.WallMS > c.lastMS {
		c.lastMS = ts.WallMS
		c.logical = ts.Logical
	} else if ts.WallMS == c.lastMS && ts.Logical > c.logical {
		c.logical = ts.Logical
	}
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallMS < b.WallMS:
		return -1
	case a.WallMS > b.WallMS:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// PhysicalTime returns the wall component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.UnixMilli(t.WallMS)
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return t.PhysicalTime().UTC().Format(time.RFC3339Nano)
}

// ToLoadID packs a timestamp into a sortable 64 bit load ID.
// Format: (wall_ms << 22) | (node_id << 16) | logical
func (t Timestamp) ToLoadID() uint64 {
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (uint64(t.WallMS) << TotalShiftBits) | (nodeID << LogicalBits) | logical
}

// FromLoadID reverses ToLoadID
func FromLoadID(id uint64) Timestamp {
	return Timestamp{
		WallMS:  int64(id >> TotalShiftBits),
		NodeID:  (id >> LogicalBits) & NodeIDMask,
		Logical: int32(id & LogicalMask),
	}
}
