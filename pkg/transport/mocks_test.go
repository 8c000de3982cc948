package transport

import (
	"sync"
)

type sentEvent struct {
	handle string
	err    error
}

type receivedEvent struct {
	source string
	raw    string
}

// recordingSink collects every event it is given
type recordingSink struct {
	mu        sync.Mutex
	sent      []sentEvent
	delivered []string
	received  []receivedEvent
}

func (s *recordingSink) UnitSent(handle string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEvent{handle: handle, err: err})
}

func (s *recordingSink) UnitDelivered(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, handle)
}

func (s *recordingSink) Receive(source, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, receivedEvent{source: source, raw: raw})
}

func (s *recordingSink) snapshot() ([]sentEvent, []string, []receivedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...),
		append([]string(nil), s.delivered...),
		append([]receivedEvent(nil), s.received...)
}
