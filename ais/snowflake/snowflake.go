// Package snowflake generates 64-bit, k-sortable actor serial numbers:
// the standard Twitter layout of 41 timestamp bits, 10 node-id bits and
// 12 sequence bits, one generator per realm so realms never contend on
// the same sequence counter.
package snowflake

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

const (
	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12

	maxNodeID   = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1
)

// Epoch is the fixed reference point serial timestamps count from.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Generator produces strictly increasing 64-bit serials for one node.
// It is safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	nodeID   uint64
	lastMs   int64
	sequence uint64
}

// New constructs a Generator for nodeID, which must fit in 10 bits.
func New(nodeID uint64, clock clockwork.Clock) (*Generator, error) {
	if nodeID > maxNodeID {
		return nil, errkind.New(errkind.Configuration, "snowflake node id %d exceeds %d bits", nodeID, nodeBits)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Generator{clock: clock, nodeID: nodeID, lastMs: -1}, nil
}

// Next produces the next serial for this generator. If the sequence
// for the current millisecond is exhausted, it waits for the next
// millisecond tick. If the clock is observed to move backwards (NTP
// step), it waits out the difference rather than risk emitting a
// serial that collides with one already issued.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowMs()
	if now < g.lastMs {
		// Clock moved backwards; wait it out rather than risk reuse.
		for now < g.lastMs {
			time.Sleep(time.Millisecond)
			now = g.nowMs()
		}
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMs {
				time.Sleep(100 * time.Microsecond)
				now = g.nowMs()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return uint64(now)<<(nodeBits+sequenceBits) | g.nodeID<<sequenceBits | g.sequence
}

func (g *Generator) nowMs() int64 {
	return g.clock.Now().Sub(Epoch).Milliseconds()
}
