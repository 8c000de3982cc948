package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackSendAndReport(t *testing.T) {
	lb := NewLoopback("+255700000001")
	sink := &recordingSink{}
	lb.SetSink(sink)

	h1, err := lb.SendUnit(context.Background(), "+255700000002", "@i=AB12c;c=s hi")
	require.NoError(t, err)
	h2, err := lb.SendUnit(context.Background(), "+255700000002", "plain")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	sent := lb.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, h1, sent[0].Handle)
	assert.Equal(t, "plain", sent[1].Text)

	lb.ReportSent(h1, nil)
	lb.ReportSent(h2, errors.New("no signal"))
	lb.ReportDelivered(h1)

	sentEvents, delivered, _ := sink.snapshot()
	require.Len(t, sentEvents, 2)
	assert.NoError(t, sentEvents[0].err)
	assert.Error(t, sentEvents[1].err)
	assert.Equal(t, []string{h1}, delivered)
}

func TestLoopbackConnectedPeers(t *testing.T) {
	a := NewLoopback("A")
	b := NewLoopback("B")
	Connect(a, b)

	sinkB := &recordingSink{}
	b.SetSink(sinkB)

	_, err := a.SendUnit(context.Background(), "B", "hello")
	require.NoError(t, err)

	_, _, received := sinkB.snapshot()
	require.Len(t, received, 1)
	assert.Equal(t, receivedEvent{source: "A", raw: "hello"}, received[0])
}

func TestLoopbackReject(t *testing.T) {
	lb := NewLoopback("A")
	lb.RejectWhen(func(n int, _, _ string) error {
		if n == 1 {
			return ErrRejected
		}
		return nil
	})

	_, err := lb.SendUnit(context.Background(), "B", "one")
	require.NoError(t, err)
	_, err = lb.SendUnit(context.Background(), "B", "two")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Len(t, lb.Sent(), 1)
}

func TestLoopbackCancelledContext(t *testing.T) {
	lb := NewLoopback("A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lb.SendUnit(ctx, "B", "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, lb.Sent())
}
