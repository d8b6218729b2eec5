package syncproto

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
)

const (
	// DefaultBatchWindow is the quiet period after the last local update before the
	// batch is sent.
	DefaultBatchWindow = 250 * time.Millisecond
	// DefaultBatchMaxWait bounds how long a continuous burst is held back.
	DefaultBatchMaxWait = time.Second
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs a callback after a delay.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

type batchState int

const (
	batchIdle batchState = iota
	batchBuffering
	batchClosed
)

// Batcher debounces local updates. Every update re-arms the timer for the batch window,
// so a batch is sent once no update arrived for a full window, or when the burst has
// been held for MaxWait. The batch is merged into one v1 update and delivered.
type Batcher struct {
	mu        sync.Mutex
	window    time.Duration
	maxWait   time.Duration
	scheduler Scheduler
	clock     func() time.Time
	deliver   func(merged []byte) error
	onError   func(error)

	state      batchState
	pending    [][]byte
	timer      Timer
	generation uint64
	burstStart time.Time
}

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Window    time.Duration
	MaxWait   time.Duration
	Scheduler Scheduler
	Clock     func() time.Time
	// OnError receives delivery failures of timer-driven flushes.
	OnError func(error)
}

// NewBatcher constructs an idle batcher that hands merged updates to deliver.
func NewBatcher(cfg BatcherConfig, deliver func(merged []byte) error) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultBatchWindow
	}
	if cfg.MaxWait < cfg.Window {
		cfg.MaxWait = max(DefaultBatchMaxWait, cfg.Window)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = clockScheduler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	return &Batcher{
		window:    cfg.Window,
		maxWait:   cfg.MaxWait,
		scheduler: cfg.Scheduler,
		clock:     cfg.Clock,
		deliver:   deliver,
		onError:   cfg.OnError,
	}
}

// Add buffers update. Updates added after Close are dropped.
func (batcher *Batcher) Add(update []byte) {
	batcher.mu.Lock()
	defer batcher.mu.Unlock()
	now := batcher.clock()
	switch batcher.state {
	case batchClosed:
		return
	case batchIdle:
		batcher.state = batchBuffering
		batcher.burstStart = now
	}
	batcher.pending = append(batcher.pending, update)

	delay := min(batcher.window, batcher.maxWait-now.Sub(batcher.burstStart))
	if batcher.timer != nil {
		batcher.timer.Stop()
	}
	batcher.generation++
	generation := batcher.generation
	batcher.timer = batcher.scheduler.AfterFunc(max(delay, 0), func() { batcher.fire(generation) })
}

// Pending returns the number of buffered updates.
func (batcher *Batcher) Pending() int {
	batcher.mu.Lock()
	defer batcher.mu.Unlock()
	return len(batcher.pending)
}

// fire flushes unless a later Add re-armed the timer after this one was scheduled.
func (batcher *Batcher) fire(generation uint64) {
	batcher.mu.Lock()
	current := batcher.generation == generation
	batcher.mu.Unlock()
	if !current {
		return
	}
	if err := batcher.Flush(); err != nil {
		batcher.onError(err)
	}
}

// Flush merges and delivers the buffered updates immediately.
func (batcher *Batcher) Flush() error {
	batcher.mu.Lock()
	pending := batcher.take()
	if batcher.state == batchBuffering {
		batcher.state = batchIdle
	}
	batcher.mu.Unlock()
	return batcher.send(pending)
}

// Close flushes buffered updates and stops accepting new ones.
func (batcher *Batcher) Close() error {
	batcher.mu.Lock()
	pending := batcher.take()
	batcher.state = batchClosed
	batcher.mu.Unlock()
	return batcher.send(pending)
}

// Discard drops buffered updates and stops accepting new ones.
func (batcher *Batcher) Discard() {
	batcher.mu.Lock()
	defer batcher.mu.Unlock()
	batcher.take()
	batcher.state = batchClosed
}

func (batcher *Batcher) take() [][]byte {
	batcher.generation++
	if batcher.timer != nil {
		batcher.timer.Stop()
		batcher.timer = nil
	}
	pending := batcher.pending
	batcher.pending = nil
	return pending
}

func (batcher *Batcher) send(pending [][]byte) error {
	if len(pending) == 0 {
		return nil
	}
	merged := pending[0]
	if len(pending) > 1 {
		var err error
		merged, err = crdt.MergeUpdates(pending...)
		if err != nil {
			return err
		}
	}
	return batcher.deliver(merged)
}
