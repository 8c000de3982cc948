// Package reassembly rebuilds multi-part overlay messages from fragments
// that may arrive out of order, duplicated, or not at all.
package reassembly

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-sms/pkg/metrics"
	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
)

// DefaultStaleAfter is how long a partial assembly may wait for its
// remaining fragments before it is discarded.
const DefaultStaleAfter = 5 * time.Minute

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// pendingSet holds the fragments seen so far for one message id
type pendingSet struct {
	first       *protocol.Unit
	totalParts  int
	parts       map[int]string
	firstSeenAt time.Time
}

// Buffer collects fragments per message id and emits complete messages.
type Buffer struct {
	pending    map[string]*pendingSet
	staleAfter time.Duration
	clock      Clock

	mu sync.Mutex
}

// NewBuffer creates a buffer that discards partial assemblies older than
// staleAfter. A nil clock uses the wall clock.
func NewBuffer(staleAfter time.Duration, clock Clock) *Buffer {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if clock == nil {
		clock = SystemClock
	}

	return &Buffer{
		pending:    make(map[string]*pendingSet),
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// Accept adds a decoded unit. Single-part units come straight back. For
// fragments, the assembled unit is returned once every part has been seen,
// with the header of the first fragment and the contents joined in part
// order; until then Accept returns false.
func (b *Buffer) Accept(u *protocol.Unit) (*protocol.Unit, bool) {
	if !u.MultiPart() {
		return u, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, exists := b.pending[u.MessageID]
	if !exists {
		set = &pendingSet{
			first:       u,
			totalParts:  u.TotalParts,
			parts:       make(map[int]string),
			firstSeenAt: b.clock.Now(),
		}
		b.pending[u.MessageID] = set
	}

	if u.PartIndex > set.totalParts {
		logrus.WithFields(logrus.Fields{
			"function":    "Accept",
			"message_id":  u.MessageID,
			"part":        u.PartIndex,
			"total_parts": set.totalParts,
		}).Warn("Fragment outside declared total, dropping")
		return nil, false
	}

	if _, dup := set.parts[u.PartIndex]; dup {
		metrics.FragmentsDuplicate.Inc()
		logrus.WithFields(logrus.Fields{
			"function":   "Accept",
			"message_id": u.MessageID,
			"part":       u.PartIndex,
		}).Debug("Duplicate fragment, dropping")
		return nil, false
	}

	set.parts[u.PartIndex] = u.Content

	if len(set.parts) < set.totalParts {
		logrus.WithFields(logrus.Fields{
			"function":   "Accept",
			"message_id": u.MessageID,
			"have":       len(set.parts),
			"want":       set.totalParts,
		}).Debug("Waiting for more fragments")
		return nil, false
	}

	delete(b.pending, u.MessageID)
	metrics.AssembliesCompleted.Inc()

	assembled := *set.first
	assembled.PartIndex = 1
	assembled.TotalParts = 1
	assembled.Content = set.assemble()

	logrus.WithFields(logrus.Fields{
		"function":    "Accept",
		"message_id":  u.MessageID,
		"total_parts": set.totalParts,
		"length":      len(assembled.Content),
	}).Debug("Fragments reassembled")

	return &assembled, true
}

func (s *pendingSet) assemble() string {
	indexes := make([]int, 0, len(s.parts))
	for idx := range s.parts {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var sb strings.Builder
	for _, idx := range indexes {
		sb.WriteString(s.parts[idx])
	}
	return sb.String()
}

// Sweep discards partial assemblies older than the staleness bound and
// returns their message ids.
func (b *Buffer) Sweep(now time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []string
	for id, set := range b.pending {
		if now.Sub(set.firstSeenAt) > b.staleAfter {
			delete(b.pending, id)
			evicted = append(evicted, id)

			metrics.AssembliesStale.Inc()
			logrus.WithFields(logrus.Fields{
				"function":    "Sweep",
				"message_id":  id,
				"have":        len(set.parts),
				"total_parts": set.totalParts,
				"age":         now.Sub(set.firstSeenAt).String(),
			}).Warn("Discarding stale partial message")
		}
	}

	sort.Strings(evicted)
	return evicted
}

// PendingCount returns the number of in-progress assemblies.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Received returns how many distinct parts are buffered for messageID.
func (b *Buffer) Received(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.pending[messageID]; ok {
		return len(set.parts)
	}
	return 0
}
