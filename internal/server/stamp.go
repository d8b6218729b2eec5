package server

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/protocol"
)

// messageStamper issues strictly increasing message ids from a millisecond clock. Ids
// issued within one millisecond, or while the clock runs backwards, advance the counter.
type messageStamper struct {
	mu    sync.Mutex
	clock func() time.Time
	last  protocol.MessageID
}

func newMessageStamper(clock func() time.Time) *messageStamper {
	return &messageStamper{clock: clock}
}

func (stamper *messageStamper) next() protocol.MessageID {
	stamper.mu.Lock()
	defer stamper.mu.Unlock()
	now := uint64(stamper.clock().UnixMilli())
	if now > stamper.last.Timestamp {
		stamper.last = protocol.MessageID{Timestamp: now}
	} else {
		stamper.last.Counter++
	}
	return stamper.last
}
