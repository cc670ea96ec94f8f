package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for single-binary deployments and
// tests. Unacknowledged tasks are lost on restart.
type MemoryBroker struct {
	mu     sync.Mutex
	queue  []Task
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, tasks ...Task) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	b.mu.Lock()
	b.queue = append(b.queue, tasks...)
	b.mu.Unlock()
	b.notify()
	return nil
}

func (b *MemoryBroker) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			t := b.queue[0]
			b.queue[0] = Task{}
			b.queue = b.queue[1:]
			more := len(b.queue) > 0
			b.mu.Unlock()
			if more {
				b.notify()
			}
			return &Delivery{Task: t}, nil
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-b.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports queued tasks.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *MemoryBroker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
