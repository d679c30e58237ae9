package events

import "sync"

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(typ string, payload any) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope{}, r.events...)
}

// Types returns the event types in publish order, optionally only those of typ.
func (r *Recorder) Types(typ ...string) []string {
	want := map[string]bool{}
	for _, t := range typ {
		want[t] = true
	}
	var out []string
	for _, e := range r.Events() {
		if len(want) == 0 || want[e.Type] {
			out = append(out, e.Type)
		}
	}
	return out
}
