package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gatecheck/internal/metrics"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("audit queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("audit dispatcher closed")
)

// DefaultWriteTimeout bounds one sink write.
const DefaultWriteTimeout = 5 * time.Second

// Dispatcher is a bounded queue of batches drained by one worker goroutine.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Batch
	done   chan struct{}
}

// NewDispatcher starts a dispatcher writing to sink with room for size
// pending batches.
func NewDispatcher(sink Sink, size int) *Dispatcher {
	if size < 1 {
		size = 1
	}
	d := &Dispatcher{
		sink:    sink,
		timeout: DefaultWriteTimeout,
		queue:   make(chan Batch, size),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit enqueues a batch without blocking. Empty batches are ignored.
func (d *Dispatcher) Submit(b Batch) error {
	if b.Empty() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- b:
		metrics.SetAuditQueueDepth(len(d.queue))
		return nil
	default:
		metrics.RecordAuditDropped()
		log.With(logrus.Fields{"gate": b.GateID, "events": len(b.Events), "sessions": len(b.Sessions)}).
			Opsf("audit queue full, batch dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for b := range d.queue {
		metrics.SetAuditQueueDepth(len(d.queue))
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Write(ctx, b)
		cancel()
		metrics.RecordAuditWrite(d.sink.Name(), err)
		if err != nil {
			log.With(logrus.Fields{"gate": b.GateID, "sink": d.sink.Name()}).
				OpsErr(err, "audit write failed (%d events, %d sessions, %d completions)",
					len(b.Events), len(b.Sessions), len(b.Completions))
		}
	}
}

// Close stops accepting batches, waits for the queue to drain or ctx to
// expire, and closes the sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		log.Opsf("audit drain interrupted with %d batches pending", len(d.queue))
		return ctx.Err()
	}
	return d.sink.Close()
}
