package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Frame types exchanged with the phone bridge
const (
	FrameSend      = "send"
	FrameSent      = "sent"
	FrameDelivered = "delivered"
	FrameReceive   = "receive"
)

// Frame is the JSON message exchanged with the phone bridge
type Frame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	To    string `json:"to,omitempty"`
	From  string `json:"from,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// BridgeConfig configures the phone bridge connection
type BridgeConfig struct {
	URL          string
	Token        string // sent as a bearer token when set
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

// DefaultBridgeConfig returns the reconnect policy used when none is set
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Bridge is a websocket client for a phone-side SMS gateway. Outgoing units
// are written as send frames; the gateway answers with sent, delivered and
// receive frames which are forwarded to the sink.
type Bridge struct {
	cfg  BridgeConfig
	sink EventSink

	conn      *websocket.Conn
	connected bool
	mu        sync.RWMutex
	writeMu   sync.Mutex
}

// NewBridge creates a bridge client. Run connects it.
func NewBridge(cfg BridgeConfig, sink EventSink) *Bridge {
	defaults := DefaultBridgeConfig()
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaults.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	return &Bridge{cfg: cfg, sink: sink}
}

// SetSink sets where reports and inbound units go. It must be called before
// Run.
func (b *Bridge) SetSink(sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Connected reports whether the bridge currently has a live connection
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Run keeps the bridge connected until ctx is done, reconnecting with
// exponential backoff when the connection drops.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := b.cfg.MinBackoff

	for {
		err := b.connect(ctx)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"url":      b.cfg.URL,
			}).Info("Connected to SMS bridge")
			backoff = b.cfg.MinBackoff

			b.readLoop(ctx)
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"url":      b.cfg.URL,
				"error":    err.Error(),
			}).Warn("SMS bridge connection failed")
		}

		if ctx.Err() != nil {
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"backoff":  backoff.String(),
		}).Info("Reconnecting to SMS bridge")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		if err != nil {
			backoff *= 2
			if backoff > b.cfg.MaxBackoff {
				backoff = b.cfg.MaxBackoff
			}
		}
	}
}

func (b *Bridge) connect(ctx context.Context) error {
	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial bridge: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	return nil
}

// readLoop forwards frames until the connection drops or ctx is done
func (b *Bridge) readLoop(ctx context.Context) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.connected = false
			b.conn = nil
		}
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("SMS bridge read failed")
			}
			return
		}

		b.dispatch(frame)
	}
}

func (b *Bridge) dispatch(frame Frame) {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink == nil {
		return
	}

	switch frame.Type {
	case FrameSent:
		var err error
		if frame.Error != "" {
			err = fmt.Errorf("%w: %s", ErrRejected, frame.Error)
		}
		sink.UnitSent(frame.ID, err)
	case FrameDelivered:
		sink.UnitDelivered(frame.ID)
	case FrameReceive:
		sink.Receive(frame.From, frame.Text)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     frame.Type,
		}).Debug("Ignoring unknown bridge frame")
	}
}

// SendUnit implements Transport by writing a send frame to the gateway
func (b *Bridge) SendUnit(ctx context.Context, destination, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.RLock()
	conn, connected := b.conn, b.connected
	b.mu.RUnlock()

	if !connected || conn == nil {
		return "", ErrNotConnected
	}

	handle := uuid.NewString()
	frame := Frame{Type: FrameSend, ID: handle, To: destination, Text: text}

	deadline := time.Now().Add(b.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return "", ErrClosed
		}
		return "", fmt.Errorf("failed to write unit: %w", err)
	}

	return handle, nil
}
