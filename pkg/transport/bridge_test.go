package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a phone bridge that acknowledges every send frame and can
// push inbound units
type fakeGateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []Frame
	auth   string
	fail   string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.conn = conn
	g.auth = r.Header.Get("Authorization")
	g.mu.Unlock()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		g.mu.Lock()
		g.frames = append(g.frames, frame)
		failText := g.fail
		g.mu.Unlock()

		if frame.Type != FrameSend {
			continue
		}
		if failText != "" && strings.Contains(frame.Text, failText) {
			g.write(Frame{Type: FrameSent, ID: frame.ID, Error: "generic failure"})
			continue
		}
		g.write(Frame{Type: FrameSent, ID: frame.ID})
		g.write(Frame{Type: FrameDelivered, ID: frame.ID})
	}
}

func (g *fakeGateway) write(frame Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		g.conn.WriteJSON(frame)
	}
}

func (g *fakeGateway) received() []Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Frame(nil), g.frames...)
}

func startBridge(t *testing.T, g *fakeGateway, sink EventSink) *Bridge {
	t.Helper()

	bridge := NewBridge(BridgeConfig{
		URL:        g.url(),
		Token:      "secret",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, bridge.Connected, 2*time.Second, 10*time.Millisecond)
	return bridge
}

func TestBridgeSendUnitReports(t *testing.T) {
	g := newFakeGateway(t)
	sink := &recordingSink{}
	bridge := startBridge(t, g, sink)

	handle, err := bridge.SendUnit(context.Background(), "+255700000002", "@i=AB12c;c=s hi")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	require.Eventually(t, func() bool {
		_, delivered, _ := sink.snapshot()
		return len(delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent, delivered, _ := sink.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, handle, sent[0].handle)
	assert.NoError(t, sent[0].err)
	assert.Equal(t, []string{handle}, delivered)

	frames := g.received()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameSend, frames[0].Type)
	assert.Equal(t, "+255700000002", frames[0].To)
	assert.Equal(t, "@i=AB12c;c=s hi", frames[0].Text)

	g.mu.Lock()
	assert.Equal(t, "Bearer secret", g.auth)
	g.mu.Unlock()
}

func TestBridgeSendFailureReport(t *testing.T) {
	g := newFakeGateway(t)
	g.fail = "doomed"
	sink := &recordingSink{}
	bridge := startBridge(t, g, sink)

	handle, err := bridge.SendUnit(context.Background(), "+255700000002", "doomed unit")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sent, _, _ := sink.snapshot()
		return len(sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent, delivered, _ := sink.snapshot()
	assert.Equal(t, handle, sent[0].handle)
	assert.ErrorIs(t, sent[0].err, ErrRejected)
	assert.Empty(t, delivered)
}

func TestBridgeReceive(t *testing.T) {
	g := newFakeGateway(t)
	sink := &recordingSink{}
	startBridge(t, g, sink)

	g.write(Frame{Type: FrameReceive, From: "+255700000009", Text: "@i=AB12c;c=s hello"})

	require.Eventually(t, func() bool {
		_, _, received := sink.snapshot()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, received := sink.snapshot()
	assert.Equal(t, "+255700000009", received[0].source)
	assert.Equal(t, "@i=AB12c;c=s hello", received[0].raw)
}

func TestBridgeNotConnected(t *testing.T) {
	bridge := NewBridge(BridgeConfig{URL: "ws://127.0.0.1:1"}, &recordingSink{})

	_, err := bridge.SendUnit(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridgeReconnects(t *testing.T) {
	g := newFakeGateway(t)
	sink := &recordingSink{}
	bridge := startBridge(t, g, sink)

	g.mu.Lock()
	g.conn.Close()
	g.conn = nil
	g.mu.Unlock()

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.conn != nil && bridge.Connected()
	}, 2*time.Second, 10*time.Millisecond)
}
