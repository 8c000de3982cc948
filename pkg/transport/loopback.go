package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SentUnit is one unit accepted by a Loopback
type SentUnit struct {
	Handle      string
	Destination string
	Text        string
}

// Loopback is an in-memory transport. Units sent on a connected loopback
// arrive at its peer's sink, addressed from this loopback's address. Send
// and delivery reports are driven explicitly with ReportSent and
// ReportDelivered.
type Loopback struct {
	address string
	sink    EventSink
	peer    *Loopback
	reject  func(n int, destination, text string) error
	sent    []SentUnit

	mu sync.Mutex
}

// NewLoopback creates a loopback transport for address
func NewLoopback(address string) *Loopback {
	return &Loopback{address: address}
}

// Connect links a and b so units sent by one are received by the other
func Connect(a, b *Loopback) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Address returns the address units from this loopback appear to come from
func (l *Loopback) Address() string {
	return l.address
}

// SetSink sets where reports and inbound units go
func (l *Loopback) SetSink(sink EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// RejectWhen installs a hook consulted before each unit is accepted. n is
// the zero-based count of units offered so far.
func (l *Loopback) RejectWhen(fn func(n int, destination, text string) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reject = fn
}

// SendUnit implements Transport
func (l *Loopback) SendUnit(ctx context.Context, destination, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	if l.reject != nil {
		if err := l.reject(len(l.sent), destination, text); err != nil {
			l.mu.Unlock()
			return "", err
		}
	}

	handle := uuid.NewString()
	l.sent = append(l.sent, SentUnit{Handle: handle, Destination: destination, Text: text})

	var peerSink EventSink
	if l.peer != nil {
		l.peer.mu.Lock()
		peerSink = l.peer.sink
		l.peer.mu.Unlock()
	}
	l.mu.Unlock()

	if peerSink != nil {
		peerSink.Receive(l.address, text)
	}

	return handle, nil
}

// Sent returns a copy of every accepted unit in send order
func (l *Loopback) Sent() []SentUnit {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SentUnit, len(l.sent))
	copy(out, l.sent)
	return out
}

// ReportSent reports a hand-off outcome for handle to the sink
func (l *Loopback) ReportSent(handle string, err error) {
	if sink := l.currentSink(); sink != nil {
		sink.UnitSent(handle, err)
	}
}

// ReportDelivered reports a delivery confirmation for handle to the sink
func (l *Loopback) ReportDelivered(handle string) {
	if sink := l.currentSink(); sink != nil {
		sink.UnitDelivered(handle)
	}
}

// ReportAll reports every accepted unit as sent and delivered
func (l *Loopback) ReportAll() {
	for _, u := range l.Sent() {
		l.ReportSent(u.Handle, nil)
		l.ReportDelivered(u.Handle)
	}
}

// Inject delivers a raw inbound unit to the sink as if it came from source
func (l *Loopback) Inject(source, raw string) {
	if sink := l.currentSink(); sink != nil {
		sink.Receive(source, raw)
	}
}

func (l *Loopback) currentSink() EventSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink
}
