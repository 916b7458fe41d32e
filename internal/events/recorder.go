package events

import "sync"

// Recorder stores events in memory. Used by tests and by callers that want to
// inspect what an engine emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Payload
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(p Payload) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payload, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded payloads with the given type, in order.
func (r *Recorder) OfType(t Type) []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payload
	for _, p := range r.events {
		if p.EventType() == t {
			out = append(out, p)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
