package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/metrics"
)

const defaultSubscriberBuffer = 256

type Handler func(Event)

type subscriber struct {
	id      int
	handler Handler
	queue   chan Event
	done    chan struct{}
}

// Bus fans events out to subscribers. Each subscriber has its own bounded queue;
// when a queue is full the event is dropped for that subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool
	now    func() time.Time
	log    zerolog.Logger
	wg     sync.WaitGroup
}

type BusOption func(*Bus)

func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l zerolog.Logger) BusOption {
	return func(b *Bus) { b.log = l }
}

func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[int]*subscriber),
		buffer: defaultSubscriberBuffer,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h and returns a function that detaches it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		handler: h,
		queue:   make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s.id]; ok {
				delete(b.subs, s.id)
				close(s.done)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Notify(p Payload) {
	if p == nil {
		return
	}
	evt := Event{Type: p.EventType(), Data: p, Timestamp: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.queue <- evt:
		default:
			metrics.EventsDropped.WithLabelValues(string(evt.Type)).Inc()
			b.log.Warn().Str("event", string(evt.Type)).Int("subscriber", s.id).Msg("subscriber queue full, dropping event")
		}
	}
}

// Close detaches every subscriber and waits for in-progress deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) deliver(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.queue:
			b.call(s, evt)
		}
	}
}

func (b *Bus) call(s *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", string(evt.Type)).Msg("event handler panicked")
		}
	}()
	s.handler(evt)
}
