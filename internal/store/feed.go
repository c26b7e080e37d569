package store

import "sync"

// Feed is an unbounded ordered event queue behind a channel. Producers
// never block; the consumer sees events in push order.
type Feed struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake      chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewFeed() *Feed {
	f := &Feed{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go f.pump()
	return f
}

// Push enqueues ev. It reports false once the feed is closed.
func (f *Feed) Push(ev Event) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, ev)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

func (f *Feed) Events() <-chan Event { return f.out }

// Close drops pending events and closes the Events channel.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		ev := f.queue[0]
		f.queue[0] = Event{}
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- ev:
		case <-f.done:
			return
		}
	}
}
