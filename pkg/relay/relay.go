// Package relay fans one producer byte stream out to a dynamic set of
// bounded per-client sinks. A slow client loses its oldest chunks; the
// producer never blocks and never slows down for anyone.
package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultChunkSize is how many bytes are read from the producer per
	// delivery.
	DefaultChunkSize = 1024
	// DefaultSinkCapacity bounds each client's backlog, in chunks.
	DefaultSinkCapacity = 10
)

var (
	chunksRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fmdx",
		Name:      "relay_chunks_total",
		Help:      "Chunks read from the producer and offered to sinks.",
	})
	chunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fmdx",
		Name:      "relay_chunks_dropped_total",
		Help:      "Chunks dropped because a sink stayed full after eviction.",
	})
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fmdx",
		Name:      "relay_clients",
		Help:      "Currently subscribed stream clients.",
	})
)

// Sink is one client's bounded FIFO of chunks. A nil chunk is the
// end-of-stream sentinel.
type Sink struct {
	ch chan []byte
}

// Next exposes the sink's delivery channel.
func (s *Sink) Next() <-chan []byte { return s.ch }

// push enqueues without blocking. On a full queue the oldest chunk is
// evicted first; if the queue is still full after eviction (narrow race with
// the consumer) the chunk is dropped for this sink only.
func (s *Sink) push(b []byte) {
	select {
	case s.ch <- b:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- b:
	default:
		chunksDropped.Inc()
	}
}

// drain discards any residual chunks so an abandoned sink holds no memory.
func (s *Sink) drain() {
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}

// Relay owns the sink membership set and the producer read loop.
type Relay struct {
	logger       *slog.Logger
	chunkSize    int
	sinkCapacity int

	mtx     sync.Mutex
	sinks   map[*Sink]struct{}
	onCount func(int)
}

// New creates a relay. onCount, if non-nil, is invoked with the new client
// count after every membership change.
func New(logger *slog.Logger, chunkSize, sinkCapacity int, onCount func(int)) *Relay {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if sinkCapacity <= 0 {
		sinkCapacity = DefaultSinkCapacity
	}
	return &Relay{
		logger:       logger.With("module", "relay"),
		chunkSize:    chunkSize,
		sinkCapacity: sinkCapacity,
		sinks:        make(map[*Sink]struct{}),
		onCount:      onCount,
	}
}

// Subscribe registers a new sink and returns it.
func (r *Relay) Subscribe() *Sink {
	s := &Sink{ch: make(chan []byte, r.sinkCapacity)}

	r.mtx.Lock()
	r.sinks[s] = struct{}{}
	n := len(r.sinks)
	r.mtx.Unlock()

	clientsGauge.Set(float64(n))
	if r.onCount != nil {
		r.onCount(n)
	}
	return s
}

// Unsubscribe removes the sink and drains its backlog.
func (r *Relay) Unsubscribe(s *Sink) {
	r.mtx.Lock()
	delete(r.sinks, s)
	n := len(r.sinks)
	r.mtx.Unlock()

	s.drain()
	clientsGauge.Set(float64(n))
	if r.onCount != nil {
		r.onCount(n)
	}
}

// ClientCount reports the current number of subscribed sinks.
func (r *Relay) ClientCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.sinks)
}

// snapshot copies the membership set so a broadcast never races a
// subscribe/unsubscribe: a chunk is delivered to exactly the sinks present
// when its delivery started.
func (r *Relay) snapshot() []*Sink {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]*Sink, 0, len(r.sinks))
	for s := range r.sinks {
		out = append(out, s)
	}
	return out
}

// Run reads fixed-size chunks from src until EOF, read error, or ctx
// cancellation, broadcasting each chunk. On exit every current sink receives
// the end-of-stream sentinel so its client can close cleanly.
func (r *Relay) Run(ctx context.Context, src io.Reader) error {
	defer r.CloseAll()

	buf := make([]byte, r.chunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunksRelayed.Inc()
			for _, s := range r.snapshot() {
				s.push(chunk)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// CloseAll broadcasts the end-of-stream sentinel to every sink. A full sink
// is emptied first so the sentinel always fits.
func (r *Relay) CloseAll() {
	for _, s := range r.snapshot() {
		s.drain()
		select {
		case s.ch <- nil:
		default:
		}
	}
}
