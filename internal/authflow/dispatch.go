package authflow

import (
	"log/slog"
	"sync"
)

// dispatcher runs callbacks one at a time, in the order they were posted, on
// its own goroutine. Posting never blocks the caller.
type dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newDispatcher(log *slog.Logger) *dispatcher {
	d := &dispatcher{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.wake:
			d.flush()
		case <-d.done:
			d.flush()
			return
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.mu.Unlock()

		d.call(fn)
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

// post queues fn. It reports false once the dispatcher is closed.
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Close runs everything already posted and stops the goroutine.
func (d *dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
		d.wg.Wait()
	})
}
