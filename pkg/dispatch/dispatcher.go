// Package dispatch connects the protocol codec, the reassembly buffer and
// the lifecycle machine to a transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-sms/pkg/lifecycle"
	"github.com/ZentaChain/zentalk-sms/pkg/metrics"
	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
	"github.com/ZentaChain/zentalk-sms/pkg/reassembly"
	"github.com/ZentaChain/zentalk-sms/pkg/storage"
	"github.com/ZentaChain/zentalk-sms/pkg/transport"
)

// VoicePlaceholder is stored as the content of audio messages; the clip
// itself lives at the message's payload ref.
const VoicePlaceholder = "Voice message"

const idAttempts = 5

var (
	ErrInvalidRequest = errors.New("invalid send request")
	ErrTransport      = errors.New("transport failure")
)

// Config holds the protocol policy values
type Config struct {
	UnitBudget    int
	FragmentDelay time.Duration
	StaleAfter    time.Duration
	HandleTTL     time.Duration
}

// DefaultConfig returns the default protocol policy
func DefaultConfig() Config {
	return Config{
		UnitBudget:    protocol.DefaultUnitBudget,
		FragmentDelay: 300 * time.Millisecond,
		StaleAfter:    reassembly.DefaultStaleAfter,
		HandleTTL:     storage.DefaultHandleTTL,
	}
}

// SendRequest describes one local command
type SendRequest struct {
	ThreadID   string
	Command    protocol.Command
	RefID      string // reply target, or the message to edit or delete
	Kind       protocol.PayloadKind
	Content    string
	PayloadRef string // audio file to send when Content is empty
	Plain      bool   // send without a header, for peers that cannot decode one
}

// SendResult reports what Send did
type SendResult struct {
	MessageID string
	Units     int
	Status    storage.MessageStatus
}

// IngestResult reports what happened to one inbound unit
type IngestResult struct {
	Unit     *protocol.Unit // nil while fragments are outstanding
	Pending  bool
	Received int // parts buffered so far while Pending
	Total    int // declared total while Pending
	Outcome  lifecycle.Outcome
	Fallback bool // a marked unit that could not be decoded was taken as plain text
}

// Dispatcher runs outbound sends and applies inbound units and transport
// reports. It implements transport.EventSink.
type Dispatcher struct {
	cfg       Config
	db        *storage.MessageDB
	payloads  *storage.PayloadStore
	machine   *lifecycle.Machine
	buffer    *reassembly.Buffer
	planner   *protocol.Planner
	transport transport.Transport
	clock     reassembly.Clock

	// handlesMu orders handle registration before the reports that resolve it
	handlesMu sync.Mutex
}

// New creates a dispatcher. payloads may be nil, in which case audio is
// stored inline. A nil clock uses the wall clock.
func New(cfg Config, db *storage.MessageDB, payloads *storage.PayloadStore, tr transport.Transport, clock reassembly.Clock) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.UnitBudget <= 0 {
		cfg.UnitBudget = defaults.UnitBudget
	}
	if cfg.FragmentDelay < 0 {
		cfg.FragmentDelay = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.HandleTTL <= 0 {
		cfg.HandleTTL = defaults.HandleTTL
	}
	if clock == nil {
		clock = reassembly.SystemClock
	}

	return &Dispatcher{
		cfg:       cfg,
		db:        db,
		payloads:  payloads,
		machine:   lifecycle.NewMachine(db).WithClock(clock.Now),
		buffer:    reassembly.NewBuffer(cfg.StaleAfter, clock),
		planner:   protocol.NewPlanner(cfg.UnitBudget),
		transport: tr,
		clock:     clock,
	}
}

// Buffer exposes the reassembly buffer
func (d *Dispatcher) Buffer() *reassembly.Buffer {
	return d.buffer
}

// Machine exposes the lifecycle machine
func (d *Dispatcher) Machine() *lifecycle.Machine {
	return d.machine
}

// ===== OUTBOUND =====

// Send encodes and hands a local command to the transport, one unit at a
// time with FragmentDelay between units. Sends and replies are stored as
// pending before the first unit goes out; edits and deletes are applied to
// the local store right away. Encoding errors are returned before anything
// is stored or sent. A rejected unit or a cancelled ctx stops the remaining
// units and fails the message.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := d.checkReferent(req); err != nil {
		return nil, err
	}

	content, err := d.outgoingContent(req)
	if err != nil {
		return nil, err
	}

	messageID, err := d.newMessageID()
	if err != nil {
		return nil, err
	}

	header := protocol.Header{
		MessageID:   messageID,
		Command:     req.Command,
		RefID:       req.RefID,
		PayloadKind: req.Kind,
	}

	var units []string
	if req.Plain {
		units = []string{content}
	} else {
		units, err = d.planner.Plan(header, content)
		if err != nil {
			return nil, err
		}
	}

	result := &SendResult{MessageID: messageID, Units: len(units)}
	tracked := req.Command.CreatesMessage()

	if tracked {
		msg := &storage.Message{
			ID:                messageID,
			ThreadID:          req.ThreadID,
			Content:           content,
			ReplyTo:           req.RefID,
			PayloadKind:       req.Kind,
			PayloadRef:        req.PayloadRef,
			HasProtocolHeader: !req.Plain,
		}
		if req.Kind == protocol.PayloadAudio {
			msg.Content = VoicePlaceholder
		}
		if err := d.machine.BeginSend(msg, len(units)); err != nil {
			return nil, err
		}
		result.Status = storage.MessageStatusPending
	} else if err := d.applyLocal(req); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"message_id": messageID,
		"thread_id":  req.ThreadID,
		"command":    req.Command.String(),
		"units":      len(units),
		"plain":      req.Plain,
	}).Info("Sending message")

	for i, unit := range units {
		part := i + 1

		if i > 0 && d.cfg.FragmentDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.FragmentDelay):
			}
		}

		if err := ctx.Err(); err != nil {
			return d.stopSend(result, tracked, part, err)
		}

		if err := d.sendUnit(ctx, req.ThreadID, unit, messageID, part, len(units), tracked); err != nil {
			return d.stopSend(result, tracked, part, err)
		}
	}

	if tracked {
		if msg, err := d.db.GetMessage(messageID); err == nil {
			result.Status = msg.Status
		}
	}

	return result, nil
}

// sendUnit hands one unit to the transport and records its handle. The
// handle is stored before the lock is released so reports for it always
// resolve.
func (d *Dispatcher) sendUnit(ctx context.Context, threadID, unit, messageID string, part, total int, tracked bool) error {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()

	handle, err := d.transport.SendUnit(ctx, threadID, unit)
	if err != nil {
		metrics.UnitsSent.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: part %d of %d: %v", ErrTransport, part, total, err)
	}
	metrics.UnitsSent.WithLabelValues("accepted").Inc()

	if !tracked {
		return nil
	}

	now := d.clock.Now()
	err = d.db.SaveHandle(&storage.UnitHandle{
		Handle:     handle,
		MessageID:  messageID,
		PartIndex:  part,
		TotalParts: total,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.cfg.HandleTTL),
	})
	if err != nil {
		// The unit is out; only its reports are lost
		logrus.WithFields(logrus.Fields{
			"function":   "sendUnit",
			"message_id": messageID,
			"part":       part,
			"error":      err.Error(),
		}).Error("Failed to record unit handle")
	}

	return nil
}

// stopSend fails the message when part could not be handed off. Nothing
// handed off yet means the send is aborted.
func (d *Dispatcher) stopSend(result *SendResult, tracked bool, part int, cause error) (*SendResult, error) {
	logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"message_id": result.MessageID,
		"part":       part,
		"error":      cause.Error(),
	}).Warn("Send stopped")

	if !tracked {
		return result, cause
	}

	var err error
	if part == 1 {
		err = d.machine.Abort(result.MessageID)
	} else {
		err = d.machine.RecordUnitSent(result.MessageID, part, cause)
	}
	if err != nil && !errors.Is(err, lifecycle.ErrNotTracked) {
		logrus.WithFields(logrus.Fields{
			"function":   "Send",
			"message_id": result.MessageID,
			"error":      err.Error(),
		}).Error("Failed to record send failure")
	}

	d.handlesMu.Lock()
	_, _ = d.db.DeleteHandlesForMessage(result.MessageID)
	d.handlesMu.Unlock()

	result.Status = storage.MessageStatusFailed
	return result, cause
}

func validateRequest(req SendRequest) error {
	if req.ThreadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrInvalidRequest)
	}
	if !req.Command.Valid() {
		return fmt.Errorf("%w: unknown command", ErrInvalidRequest)
	}
	if req.Command.NeedsRef() && req.RefID == "" {
		return fmt.Errorf("%w: %s needs a reference id", ErrInvalidRequest, req.Command)
	}
	if req.Plain && (req.Command != protocol.CommandSend || req.Kind != protocol.PayloadText) {
		return fmt.Errorf("%w: plain mode only sends text", ErrInvalidRequest)
	}
	return nil
}

// checkReferent rejects commands the peer could not resolve. Only messages
// that travelled with a header have an id both sides share, and only our
// own messages may be edited. A referent missing from the store is allowed.
func (d *Dispatcher) checkReferent(req SendRequest) error {
	if !req.Command.NeedsRef() || req.RefID == "" {
		return nil
	}

	ref, err := d.db.GetMessage(req.RefID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load referenced message: %w", err)
	}

	if !ref.HasProtocolHeader {
		return fmt.Errorf("%w: %s of %s, which was exchanged as plain text", ErrInvalidRequest, req.Command, ref.ID)
	}
	if req.Command == protocol.CommandEdit && !ref.Outgoing {
		return fmt.Errorf("%w: %s is not our message", ErrInvalidRequest, ref.ID)
	}
	return nil
}

func (d *Dispatcher) outgoingContent(req SendRequest) (string, error) {
	if req.Kind != protocol.PayloadAudio || req.Content != "" {
		return req.Content, nil
	}
	if req.PayloadRef == "" || d.payloads == nil {
		return "", fmt.Errorf("%w: audio needs content or a payload file", ErrInvalidRequest)
	}
	return d.payloads.EncodeFile(req.PayloadRef)
}

func (d *Dispatcher) newMessageID() (string, error) {
	for attempt := 0; attempt < idAttempts; attempt++ {
		id := protocol.GenerateMessageID()
		_, err := d.db.GetMessage(id)
		if errors.Is(err, storage.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check message id: %w", err)
		}
	}
	return "", fmt.Errorf("failed to allocate message id after %d attempts", idAttempts)
}

func (d *Dispatcher) applyLocal(req SendRequest) error {
	var err error
	switch req.Command {
	case protocol.CommandEdit:
		_, err = d.machine.ApplyLocalEdit(req.RefID, req.Content)
	case protocol.CommandDelete:
		_, err = d.machine.ApplyLocalDelete(req.RefID)
	}
	return err
}

// ===== TRANSPORT REPORTS =====

// UnitSent implements transport.EventSink
func (d *Dispatcher) UnitSent(handle string, sendErr error) {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()

	h, ok := d.lookupHandle("UnitSent", handle)
	if !ok {
		return
	}

	if sendErr != nil {
		metrics.UnitsSent.WithLabelValues("failed").Inc()
	} else {
		metrics.UnitsSent.WithLabelValues("sent").Inc()
	}

	err := d.machine.RecordUnitSent(h.MessageID, h.PartIndex, sendErr)
	d.logReportError("UnitSent", h, err)

	if sendErr != nil || !d.machine.Tracking(h.MessageID) {
		_, _ = d.db.DeleteHandlesForMessage(h.MessageID)
	}
}

// UnitDelivered implements transport.EventSink
func (d *Dispatcher) UnitDelivered(handle string) {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()

	h, ok := d.lookupHandle("UnitDelivered", handle)
	if !ok {
		return
	}

	metrics.UnitsSent.WithLabelValues("delivered").Inc()

	err := d.machine.RecordUnitDelivered(h.MessageID, h.PartIndex)
	d.logReportError("UnitDelivered", h, err)

	if !d.machine.Tracking(h.MessageID) {
		_, _ = d.db.DeleteHandlesForMessage(h.MessageID)
	}
}

// lookupHandle resolves handle; handlesMu must be held
func (d *Dispatcher) lookupHandle(caller, handle string) (*storage.UnitHandle, bool) {
	h, err := d.db.LookupHandle(handle, d.clock.Now())
	if err != nil {
		level := logrus.DebugLevel
		if !errors.Is(err, storage.ErrNotFound) {
			level = logrus.ErrorLevel
		}
		logrus.WithFields(logrus.Fields{
			"function": caller,
			"handle":   handle,
			"error":    err.Error(),
		}).Log(level, "Unknown transport handle, ignoring report")
		return nil, false
	}
	return h, true
}

func (d *Dispatcher) logReportError(caller string, h *storage.UnitHandle, err error) {
	if err == nil || errors.Is(err, lifecycle.ErrNotTracked) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   caller,
		"message_id": h.MessageID,
		"part":       h.PartIndex,
		"error":      err.Error(),
	}).Error("Failed to apply transport report")
}

// ===== INBOUND =====

// Receive implements transport.EventSink
func (d *Dispatcher) Receive(source, raw string) {
	if _, err := d.Ingest(source, raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Receive",
			"thread_id": source,
			"error":     err.Error(),
		}).Error("Failed to apply inbound unit")
	}
}

// Ingest decodes one raw inbound unit from threadID and applies it. Units
// with an unusable header are taken as plain text. Fragments are buffered
// until their message is complete.
func (d *Dispatcher) Ingest(threadID, raw string) (*IngestResult, error) {
	result := &IngestResult{}

	unit, err := protocol.Decode(raw)
	var decodeErr *protocol.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		logrus.WithFields(logrus.Fields{
			"function":  "Ingest",
			"thread_id": threadID,
			"error":     decodeErr.Err.Error(),
		}).Warn("Undecodable header, treating unit as plain text")
		unit = protocol.LegacyUnit(raw)
		result.Fallback = true
		metrics.UnitsReceived.WithLabelValues("fallback").Inc()
	case err != nil:
		return nil, err
	case unit.Legacy:
		metrics.UnitsReceived.WithLabelValues("legacy").Inc()
	default:
		metrics.UnitsReceived.WithLabelValues("protocol").Inc()
	}

	if unit.MultiPart() {
		assembled, ok := d.buffer.Accept(unit)
		if !ok {
			result.Pending = true
			result.Received = d.buffer.Received(unit.MessageID)
			result.Total = unit.TotalParts
			return result, nil
		}
		unit = assembled
	}

	payloadRef := ""
	if unit.PayloadKind == protocol.PayloadAudio && unit.Command.CreatesMessage() && d.payloads != nil {
		unit, payloadRef = d.storeAudio(unit)
	}

	outcome, err := d.machine.ApplyIncoming(threadID, unit, payloadRef)
	if err != nil {
		return nil, err
	}

	result.Unit = unit
	result.Outcome = outcome

	logrus.WithFields(logrus.Fields{
		"function":   "Ingest",
		"thread_id":  threadID,
		"message_id": unit.MessageID,
		"command":    unit.Command.String(),
		"outcome":    outcome.String(),
	}).Debug("Inbound unit applied")

	return result, nil
}

// storeAudio writes an audio unit's payload to disk and returns the unit to
// store in its place. Undecodable payloads are kept as text.
func (d *Dispatcher) storeAudio(unit *protocol.Unit) (*protocol.Unit, string) {
	out := *unit

	path, err := d.payloads.SaveAudio(unit.MessageID, unit.Content)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "storeAudio",
			"message_id": unit.MessageID,
			"error":      err.Error(),
		}).Warn("Audio payload unreadable, storing as text")
		out.PayloadKind = protocol.PayloadText
		return &out, ""
	}

	out.Content = VoicePlaceholder
	return &out, path
}

// MarkThreadRead marks the thread's delivered incoming messages read
func (d *Dispatcher) MarkThreadRead(threadID string) (int64, error) {
	return d.machine.MarkThreadRead(threadID)
}

// ===== MAINTENANCE =====

// Sweep discards stale partial assemblies, expired handles and abandoned
// delivery tracking as of now.
func (d *Dispatcher) Sweep(now time.Time) {
	evicted := d.buffer.Sweep(now)

	d.handlesMu.Lock()
	purged, err := d.db.PurgeExpiredHandles(now)
	d.handlesMu.Unlock()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"error":    err.Error(),
		}).Error("Failed to purge expired handles")
	}

	expired := d.machine.Expire(now.Add(-d.cfg.HandleTTL))

	if len(evicted) > 0 || purged > 0 || len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":         "Sweep",
			"stale_assemblies": len(evicted),
			"expired_handles":  purged,
			"expired_tracking": len(expired),
		}).Info("Sweep completed")
	}
}

// RunSweeper calls Sweep every interval until ctx is done
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.clock.Now())
		}
	}
}
