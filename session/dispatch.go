package session

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sendme/transport"
)

// dispatcher runs a receiver per accepted stream. With a limit, at most limit
// receivers run at once and the rest wait in FIFO order; submit never blocks.
type dispatcher struct {
	limit int
	run   func(transport.RecvStream)

	mu       sync.Mutex
	inflight int
	pending  *queue.Queue
}

func newDispatcher(limit int, run func(transport.RecvStream)) *dispatcher {
	return &dispatcher{
		limit:   limit,
		run:     run,
		pending: queue.New(),
	}
}

func (d *dispatcher) submit(stream transport.RecvStream) {
	if d.limit <= 0 {
		go d.runSafe(stream)
		return
	}

	d.mu.Lock()
	if d.inflight >= d.limit {
		d.pending.Add(stream)
		d.mu.Unlock()
		return
	}
	d.inflight++
	d.mu.Unlock()

	go d.worker(stream)
}

// worker runs stream, then drains queued streams until none remain.
func (d *dispatcher) worker(stream transport.RecvStream) {
	for stream != nil {
		d.runSafe(stream)

		d.mu.Lock()
		if d.pending.Length() > 0 {
			stream = d.pending.Remove().(transport.RecvStream)
		} else {
			stream = nil
			d.inflight--
		}
		d.mu.Unlock()
	}
}

func (d *dispatcher) runSafe(stream transport.RecvStream) {
	defer func() {
		if r := recover(); r != nil {
			streamsFailed.WithLabelValues(reasonPanic).Inc()
			log.Error().Interface("panic", r).Msg("[Session] Stream receiver panicked")
			_ = stream.Close()
		}
	}()
	d.run(stream)
}

// queued returns the number of streams waiting for a receiver.
func (d *dispatcher) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}
