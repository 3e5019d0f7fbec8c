package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"tradewire/internal/domain"
)

// Sink is one consumer's bounded event queue. When the buffer is full the
// oldest event is dropped to make room, so a slow consumer sees the freshest
// data and never stalls the read loop.
type Sink struct {
	service domain.Service
	ch      chan Event
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed when the sink is removed.
func (s *Sink) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was
// full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Dispatcher fans decoded events out to per-service sinks. It also enforces
// the staleness rule: an event from a superseded connection epoch, or one
// whose sequence is not beyond the newest already delivered for its epoch,
// is discarded.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	sinks   map[domain.Service][]*Sink
	epoch   uint64
	highSeq uint64
	stale   uint64
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:   log.With("component", "dispatch"),
		sinks: make(map[domain.Service][]*Sink),
	}
}

// Register adds a sink for a service with the given buffer size.
func (d *Dispatcher) Register(service domain.Service, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &Sink{service: service, ch: make(chan Event, buffer)}
	d.mu.Lock()
	d.sinks[service] = append(d.sinks[service], s)
	d.mu.Unlock()
	return s
}

// Remove detaches a sink and closes its channel.
func (d *Dispatcher) Remove(s *Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.sinks[s.service]
	for i, cur := range list {
		if cur == s {
			d.sinks[s.service] = append(list[:i], list[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// BeginEpoch marks a new connection generation. Events stamped with an
// older epoch are discarded from here on.
func (d *Dispatcher) BeginEpoch(epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch > d.epoch {
		d.epoch = epoch
		d.highSeq = 0
	}
}

// StaleDropped returns how many events were discarded as stale.
func (d *Dispatcher) StaleDropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stale
}

// Dispatch delivers one event to every sink registered for its service.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	if ev.Epoch < d.epoch || (ev.Epoch == d.epoch && ev.Seq <= d.highSeq) {
		d.stale++
		d.mu.Unlock()
		return
	}
	if ev.Epoch == d.epoch {
		d.highSeq = ev.Seq
	}
	list := d.sinks[ev.Service]
	targets := make([]*Sink, len(list))
	copy(targets, list)
	d.mu.Unlock()

	for _, s := range targets {
		for {
			select {
			case s.ch <- ev:
			default:
				// Full: drop the oldest queued event and retry.
				select {
				case <-s.ch:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}
