package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-sms/pkg/lifecycle"
	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
	"github.com/ZentaChain/zentalk-sms/pkg/storage"
	"github.com/ZentaChain/zentalk-sms/pkg/transport"
)

func TestSendSingleUnitLifecycle(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Units)
	assert.Equal(t, storage.MessageStatusPending, res.Status)
	assert.Equal(t, storage.MessageStatusPending, node.status(t, res.MessageID))

	sent := node.loopback.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "T1", sent[0].Destination)
	assert.Equal(t, fmt.Sprintf("@i=%s;c=s hi", res.MessageID), sent[0].Text)

	node.loopback.ReportSent(sent[0].Handle, nil)
	assert.Equal(t, storage.MessageStatusSent, node.status(t, res.MessageID))

	node.loopback.ReportDelivered(sent[0].Handle)
	assert.Equal(t, storage.MessageStatusDelivered, node.status(t, res.MessageID))

	count, err := node.db.CountHandles(node.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSendMultiPart(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 40
	node := newTestNode(t, "me", cfg)

	content := strings.Repeat("0123456789", 10)
	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  content,
	})
	require.NoError(t, err)

	sent := node.loopback.Sent()
	require.Len(t, sent, res.Units)
	require.Greater(t, res.Units, 1)

	var rebuilt strings.Builder
	for i, u := range sent {
		assert.LessOrEqual(t, len([]rune(u.Text)), 40)

		unit, err := protocol.Decode(u.Text)
		require.NoError(t, err)
		assert.Equal(t, i+1, unit.PartIndex)
		assert.Equal(t, len(sent), unit.TotalParts)
		rebuilt.WriteString(unit.Content)
	}
	assert.Equal(t, content, rebuilt.String())

	// Every fragment but the last reported: still pending
	for _, u := range sent[:len(sent)-1] {
		node.loopback.ReportSent(u.Handle, nil)
	}
	assert.Equal(t, storage.MessageStatusPending, node.status(t, res.MessageID))

	node.loopback.ReportAll()
	assert.Equal(t, storage.MessageStatusDelivered, node.status(t, res.MessageID))
}

func TestSendFragmentDelay(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 30
	cfg.FragmentDelay = 20 * time.Millisecond
	node := newTestNode(t, "me", cfg)

	start := time.Now()
	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  strings.Repeat("x", 40),
	})
	require.NoError(t, err)
	require.Greater(t, res.Units, 1)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(res.Units-1)*20*time.Millisecond)
}

func TestSendTransportFailureReport(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 30
	node := newTestNode(t, "me", cfg)

	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  strings.Repeat("y", 30),
	})
	require.NoError(t, err)

	sent := node.loopback.Sent()
	require.Len(t, sent, res.Units)
	require.Greater(t, len(sent), 1)

	last := len(sent) - 1
	for _, u := range sent[:last] {
		node.loopback.ReportSent(u.Handle, nil)
	}
	node.loopback.ReportSent(sent[last].Handle, errors.New("generic failure"))
	assert.Equal(t, storage.MessageStatusFailed, node.status(t, res.MessageID))

	// A late delivery report cannot revive it
	node.loopback.ReportDelivered(sent[0].Handle)
	assert.Equal(t, storage.MessageStatusFailed, node.status(t, res.MessageID))
}

func TestSendRejectedFirstUnit(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())
	node.loopback.RejectWhen(func(int, string, string) error { return transport.ErrRejected })

	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "hi",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, storage.MessageStatusFailed, res.Status)
	assert.Equal(t, storage.MessageStatusFailed, node.status(t, res.MessageID))
	assert.Empty(t, node.loopback.Sent())
}

func TestSendRejectedMidway(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 30
	node := newTestNode(t, "me", cfg)
	node.loopback.RejectWhen(func(n int, _, _ string) error {
		if n == 1 {
			return transport.ErrRejected
		}
		return nil
	})

	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  strings.Repeat("z", 60),
	})
	require.Error(t, err)
	assert.Equal(t, storage.MessageStatusFailed, node.status(t, res.MessageID))
	assert.Len(t, node.loopback.Sent(), 1)

	count, err := node.db.CountHandles(node.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSendCancelledBeforeFirstUnit(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := node.dispatcher.Send(ctx, SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "hi",
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, storage.MessageStatusFailed, node.status(t, res.MessageID))
	assert.Empty(t, node.loopback.Sent())
}

func TestSendCancelledMidway(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 30
	cfg.FragmentDelay = time.Second
	node := newTestNode(t, "me", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.loopback.RejectWhen(func(n int, _, _ string) error {
		if n == 0 {
			cancel()
		}
		return nil
	})

	res, err := node.dispatcher.Send(ctx, SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  strings.Repeat("c", 60),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, node.loopback.Sent(), 1)
	assert.Equal(t, storage.MessageStatusFailed, node.status(t, res.MessageID))
}

func TestSendEncodingError(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	_, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandReply,
		RefID:    "bad;id",
		Content:  "x",
	})
	assert.ErrorIs(t, err, protocol.ErrEncoding)
	assert.Empty(t, node.loopback.Sent())

	msgs, err := node.db.GetThreadMessages("T1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendValidation(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"missing thread", SendRequest{Command: protocol.CommandSend, Content: "x"}},
		{"unknown command", SendRequest{ThreadID: "T1", Content: "x"}},
		{"reply without ref", SendRequest{ThreadID: "T1", Command: protocol.CommandReply, Content: "x"}},
		{"plain edit", SendRequest{ThreadID: "T1", Command: protocol.CommandEdit, RefID: "AB12c", Plain: true}},
		{"audio without data", SendRequest{ThreadID: "T1", Command: protocol.CommandSend, Kind: protocol.PayloadAudio}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := node.dispatcher.Send(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, node.loopback.Sent())
}

func TestSendEditAndDelete(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	orig, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "helo",
	})
	require.NoError(t, err)

	edit, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandEdit,
		RefID:    orig.MessageID,
		Content:  "hello",
	})
	require.NoError(t, err)

	msg, err := node.db.GetMessage(orig.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	del, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandDelete,
		RefID:    orig.MessageID,
	})
	require.NoError(t, err)

	_, err = node.db.GetMessage(orig.MessageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	sent := node.loopback.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, fmt.Sprintf("@i=%s;c=e;r=%s hello", edit.MessageID, orig.MessageID), sent[1].Text)
	assert.Equal(t, fmt.Sprintf("@i=%s;c=d;r=%s", del.MessageID, orig.MessageID), sent[2].Text)

	// Command units are not stored as messages
	_, err = node.db.GetMessage(edit.MessageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendRejectsUnsharedReferents(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	_, err := node.dispatcher.Ingest("T1", "hello from a plain phone")
	require.NoError(t, err)

	// Plain text arrives without an id; the store assigned one
	msgs, err := node.db.GetThreadMessages("T1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	plainInID := msgs[0].ID
	require.False(t, msgs[0].HasProtocolHeader)

	headerIn, err := node.dispatcher.Ingest("T1", "@i=Pe3r1;c=s from an overlay phone")
	require.NoError(t, err)
	require.Equal(t, "Pe3r1", headerIn.Unit.MessageID)

	plainOut, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "sent without header",
		Plain:    true,
	})
	require.NoError(t, err)
	sentBefore := len(node.loopback.Sent())

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"edit incoming plain", SendRequest{ThreadID: "T1", Command: protocol.CommandEdit, RefID: plainInID, Content: "rewritten"}},
		{"delete incoming plain", SendRequest{ThreadID: "T1", Command: protocol.CommandDelete, RefID: plainInID}},
		{"reply to incoming plain", SendRequest{ThreadID: "T1", Command: protocol.CommandReply, RefID: plainInID, Content: "ok"}},
		{"edit outgoing plain", SendRequest{ThreadID: "T1", Command: protocol.CommandEdit, RefID: plainOut.MessageID, Content: "x"}},
		{"delete outgoing plain", SendRequest{ThreadID: "T1", Command: protocol.CommandDelete, RefID: plainOut.MessageID}},
		{"edit incoming with header", SendRequest{ThreadID: "T1", Command: protocol.CommandEdit, RefID: "Pe3r1", Content: "mine now"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := node.dispatcher.Send(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Len(t, node.loopback.Sent(), sentBefore)

	msg, err := node.db.GetMessage(plainInID)
	require.NoError(t, err)
	assert.Equal(t, "hello from a plain phone", msg.Content)

	msg, err = node.db.GetMessage("Pe3r1")
	require.NoError(t, err)
	assert.Equal(t, "from an overlay phone", msg.Content)

	// Replying to and deleting a message that carried a header stay allowed
	_, err = node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandReply,
		RefID:    "Pe3r1",
		Content:  "got it",
	})
	require.NoError(t, err)

	_, err = node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandDelete,
		RefID:    "Pe3r1",
	})
	require.NoError(t, err)

	_, err = node.db.GetMessage("Pe3r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendPlain(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "no header here",
		Plain:    true,
	})
	require.NoError(t, err)

	sent := node.loopback.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "no header here", sent[0].Text)

	msg, err := node.db.GetMessage(res.MessageID)
	require.NoError(t, err)
	assert.False(t, msg.HasProtocolHeader)
}

func TestEndToEndThroughLoopback(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 100
	alice := newTestNode(t, "+255700000001", cfg)
	bob := newTestNode(t, "+255700000002", cfg)
	transport.Connect(alice.loopback, bob.loopback)

	content := strings.Repeat("abcdefghij", 30)
	res, err := alice.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "+255700000002",
		Command:  protocol.CommandSend,
		Content:  content,
	})
	require.NoError(t, err)
	require.Greater(t, res.Units, 1)

	got, err := bob.db.GetMessage(res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, "+255700000001", got.ThreadID)
	assert.Equal(t, storage.MessageStatusDelivered, got.Status)
	assert.False(t, got.Outgoing)
	assert.Equal(t, 0, bob.dispatcher.Buffer().PendingCount())

	// Bob replies; Alice edits her message; Bob sees the edit
	reply, err := bob.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "+255700000001",
		Command:  protocol.CommandReply,
		RefID:    res.MessageID,
		Content:  "got it",
	})
	require.NoError(t, err)

	gotReply, err := alice.db.GetMessage(reply.MessageID)
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, gotReply.ReplyTo)

	_, err = alice.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "+255700000002",
		Command:  protocol.CommandEdit,
		RefID:    res.MessageID,
		Content:  "short now",
	})
	require.NoError(t, err)

	got, err = bob.db.GetMessage(res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "short now", got.Content)
}

func TestIngestFragmentsOutOfOrder(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	content := strings.Repeat("q", 300)
	raws, err := protocol.Plan(90, protocol.Header{MessageID: "Frg01", Command: protocol.CommandSend}, content)
	require.NoError(t, err)
	require.Len(t, raws, 4)

	for i, idx := range []int{1, 3, 0} {
		res, err := node.dispatcher.Ingest("T1", raws[idx])
		require.NoError(t, err)
		assert.True(t, res.Pending)
		assert.Equal(t, i+1, res.Received)
		assert.Equal(t, 4, res.Total)
	}
	_, err = node.db.GetMessage("Frg01")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := node.dispatcher.Ingest("T1", raws[2])
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, lifecycle.OutcomeInserted, res.Outcome)

	msg, err := node.db.GetMessage("Frg01")
	require.NoError(t, err)
	assert.Equal(t, content, msg.Content)
}

func TestIngestFallbackToPlainText(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	tests := []string{
		"@hello there",
		"@i=AB12c;c=x content",
		"@i=AB12c;c=s",
	}

	for _, raw := range tests {
		res, err := node.dispatcher.Ingest("T1", raw)
		require.NoError(t, err, raw)
		assert.True(t, res.Fallback, raw)
		assert.True(t, res.Unit.Legacy, raw)
		assert.Equal(t, raw, res.Unit.Content, raw)
	}

	msgs, err := node.db.GetThreadMessages("T1")
	require.NoError(t, err)
	assert.Len(t, msgs, len(tests))
}

func TestIngestDuplicateRedelivery(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	res, err := node.dispatcher.Ingest("T1", "@i=AB12c;c=s hello")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeInserted, res.Outcome)

	res, err = node.dispatcher.Ingest("T1", "@i=AB12c;c=s hello")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeDuplicate, res.Outcome)
}

func TestIngestAudio(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	clip := []byte("#!AMR\nfake audio frames")
	raw := "@i=Voc01;c=s;t=voice " + base64.StdEncoding.EncodeToString(clip)

	res, err := node.dispatcher.Ingest("T1", raw)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeInserted, res.Outcome)

	msg, err := node.db.GetMessage("Voc01")
	require.NoError(t, err)
	assert.Equal(t, VoicePlaceholder, msg.Content)
	assert.Equal(t, protocol.PayloadAudio, msg.PayloadKind)

	data, err := os.ReadFile(msg.PayloadRef)
	require.NoError(t, err)
	assert.Equal(t, clip, data)

	// Undecodable audio is kept as text
	_, err = node.dispatcher.Ingest("T1", "@i=Voc02;c=s;t=voice not*base64")
	require.NoError(t, err)

	msg, err = node.db.GetMessage("Voc02")
	require.NoError(t, err)
	assert.Equal(t, "not*base64", msg.Content)
	assert.Equal(t, protocol.PayloadText, msg.PayloadKind)
}

func TestSendAudioFromFile(t *testing.T) {
	cfg := quickConfig()
	cfg.UnitBudget = 60
	alice := newTestNode(t, "A", cfg)
	bob := newTestNode(t, "B", cfg)
	transport.Connect(alice.loopback, bob.loopback)

	clip := []byte(strings.Repeat("audio-bytes-", 20))
	path, err := alice.payloads.SaveAudio("local", base64.StdEncoding.EncodeToString(clip))
	require.NoError(t, err)

	res, err := alice.dispatcher.Send(context.Background(), SendRequest{
		ThreadID:   "B",
		Command:    protocol.CommandSend,
		Kind:       protocol.PayloadAudio,
		PayloadRef: path,
	})
	require.NoError(t, err)

	local, err := alice.db.GetMessage(res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, VoicePlaceholder, local.Content)
	assert.Equal(t, path, local.PayloadRef)

	remote, err := bob.db.GetMessage(res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, protocol.PayloadAudio, remote.PayloadKind)

	data, err := os.ReadFile(remote.PayloadRef)
	require.NoError(t, err)
	assert.Equal(t, clip, data)
}

func TestSweepDiscardsStaleFragments(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	raws, err := protocol.Plan(4, protocol.Header{MessageID: "Stl01", Command: protocol.CommandSend}, "abcdefgh")
	require.NoError(t, err)

	_, err = node.dispatcher.Ingest("T1", raws[0])
	require.NoError(t, err)
	require.Equal(t, 1, node.dispatcher.Buffer().PendingCount())

	node.clock.Advance(5*time.Minute + time.Second)
	node.dispatcher.Sweep(node.clock.Now())
	assert.Equal(t, 0, node.dispatcher.Buffer().PendingCount())

	// The late second half starts over and does not complete alone
	res, err := node.dispatcher.Ingest("T1", raws[1])
	require.NoError(t, err)
	assert.True(t, res.Pending)
}

func TestSweepExpiresHandles(t *testing.T) {
	cfg := quickConfig()
	cfg.HandleTTL = time.Hour
	node := newTestNode(t, "me", cfg)

	res, err := node.dispatcher.Send(context.Background(), SendRequest{
		ThreadID: "T1",
		Command:  protocol.CommandSend,
		Content:  "hi",
	})
	require.NoError(t, err)

	node.clock.Advance(2 * time.Hour)
	node.dispatcher.Sweep(node.clock.Now())

	count, err := node.db.CountHandles(node.clock.Now().Add(-3 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.False(t, node.dispatcher.Machine().Tracking(res.MessageID))

	// Reports after expiry are ignored
	node.loopback.ReportAll()
	assert.Equal(t, storage.MessageStatusPending, node.status(t, res.MessageID))
}

func TestUnknownHandleIgnored(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	node.dispatcher.UnitSent("no-such-handle", nil)
	node.dispatcher.UnitDelivered("no-such-handle")
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		node.dispatcher.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}

func TestMarkThreadRead(t *testing.T) {
	node := newTestNode(t, "me", quickConfig())

	_, err := node.dispatcher.Ingest("T1", "@i=Rd001;c=s one")
	require.NoError(t, err)

	count, err := node.dispatcher.MarkThreadRead("T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, storage.MessageStatusRead, node.status(t, "Rd001"))
}
