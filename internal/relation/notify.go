package relation

import (
	"context"
	"sync"
)

// Change announces a valid cache write.
type Change struct {
	CellID     string
	Value      string
	Generation uint64
}

type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Change
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  64,
	}
}

func (d *dispatcher) subscribe(ctx context.Context) (<-chan Change, func()) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.nextID++
	sub := &subscriber{id: d.nextID, stream: make(chan Change, d.bufferSize)}
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			close(sub.stream)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *dispatcher) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// publish never blocks; a subscriber with a full buffer misses the change. Streams are
// closed under the write lock, so sending under the read lock never hits a closed one.
func (d *dispatcher) publish(change Change) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		select {
		case sub.stream <- change:
		default:
		}
	}
}
