package dispatch

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-sms/pkg/storage"
	"github.com/ZentaChain/zentalk-sms/pkg/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 27, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testNode struct {
	dispatcher *Dispatcher
	db         *storage.MessageDB
	payloads   *storage.PayloadStore
	loopback   *transport.Loopback
	clock      *fakeClock
}

// newTestNode wires a dispatcher to a loopback transport and a fresh store
func newTestNode(t *testing.T, address string, cfg Config) *testNode {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.NewMessageDB(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	payloads, err := storage.NewPayloadStore(filepath.Join(dir, "audio"))
	require.NoError(t, err)

	clock := newFakeClock()
	lb := transport.NewLoopback(address)
	d := New(cfg, db, payloads, lb, clock)
	lb.SetSink(d)

	return &testNode{
		dispatcher: d,
		db:         db,
		payloads:   payloads,
		loopback:   lb,
		clock:      clock,
	}
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.FragmentDelay = 0
	return cfg
}

func (n *testNode) status(t *testing.T, id string) storage.MessageStatus {
	t.Helper()
	msg, err := n.db.GetMessage(id)
	require.NoError(t, err)
	return msg.Status
}
