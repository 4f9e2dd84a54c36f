package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultAsyncWorkers   = 4
	DefaultAsyncQueueSize = 10000
	DefaultAsyncTimeout   = 2 * time.Second
)

// AsyncPublisher keeps usage publishing off the ingest path. Events are queued and
// handed to the wrapped publisher by a fixed set of workers, each publish bounded by
// a timeout. A full queue drops the event.
type AsyncPublisher struct {
	publisher Publisher
	timeout   time.Duration

	queue chan Event
	pool  *pool.Pool

	mutex  sync.RWMutex
	closed bool
}

func NewAsyncPublisher(publisher Publisher, workers int, queueSize int, timeout time.Duration) *AsyncPublisher {
	if workers < 1 {
		workers = DefaultAsyncWorkers
	}
	if queueSize < 1 {
		queueSize = DefaultAsyncQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
	}

	async := &AsyncPublisher{
		publisher: publisher,
		timeout:   timeout,
		queue:     make(chan Event, queueSize),
		pool:      pool.New().WithMaxGoroutines(workers),
	}

	for i := 0; i < workers; i++ {
		async.pool.Go(func() {
			for event := range async.queue {
				async.send(event)
			}
		})
	}

	return async
}

func (p *AsyncPublisher) send(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.publisher.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Str("driver", event.DriverID).Msg("Failed to publish usage event")
	}
}

// Publish never blocks. The caller's context is not used, the event outlives the request.
func (p *AsyncPublisher) Publish(_ context.Context, event Event) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close publishes what is already queued, then closes the wrapped publisher.
func (p *AsyncPublisher) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mutex.Unlock()

	p.pool.Wait()
	return p.publisher.Close()
}
