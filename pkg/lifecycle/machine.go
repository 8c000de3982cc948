// Package lifecycle reconciles local sends, transport reports and remote
// commands into the message store.
//
// Outgoing messages move pending -> sent -> delivered, or to failed from
// pending or sent. Incoming messages are stored delivered and become read
// when their thread is marked read. Nothing leaves failed, delivered or
// read except delivered -> read for incoming messages.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-sms/pkg/metrics"
	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
	"github.com/ZentaChain/zentalk-sms/pkg/storage"
)

var (
	ErrNotTracked     = errors.New("message is not being tracked")
	ErrInvalidRequest = errors.New("invalid lifecycle request")
)

// legacyIDAttempts bounds id regeneration for incoming plain text
const legacyIDAttempts = 5

// Store is the subset of the message store the machine mutates.
type Store interface {
	SaveMessage(msg *storage.Message) error
	GetMessage(messageID string) (*storage.Message, error)
	UpdateMessageContent(messageID, content string) (bool, error)
	UpdateMessageStatus(messageID string, status storage.MessageStatus) (bool, error)
	DeleteMessage(messageID string) (bool, error)
	MarkThreadRead(threadID string) (int64, error)
}

// Outcome describes what ApplyIncoming did with a unit.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeDuplicate
	OutcomeEdited
	OutcomeDeleted
	OutcomeUnresolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeEdited:
		return "edited"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeUnresolved:
		return "unresolved"
	}
	return "unknown"
}

// tracker follows the fragments of one outgoing message
type tracker struct {
	totalParts int
	sent       map[int]bool
	delivered  map[int]bool
	startedAt  time.Time
}

func newTracker(totalParts int, startedAt time.Time) *tracker {
	return &tracker{
		startedAt:  startedAt,
		totalParts: totalParts,
		sent:       make(map[int]bool, totalParts),
		delivered:  make(map[int]bool, totalParts),
	}
}

func (t *tracker) validPart(part int) bool {
	return part >= 1 && part <= t.totalParts
}

func (t *tracker) allSent() bool {
	return len(t.sent) == t.totalParts
}

func (t *tracker) allDelivered() bool {
	return len(t.delivered) == t.totalParts
}

// Machine applies lifecycle transitions. All mutating calls are serialized.
type Machine struct {
	store    Store
	tracking map[string]*tracker
	now      func() time.Time

	mu sync.Mutex
}

// NewMachine creates a machine over store
func NewMachine(store Store) *Machine {
	return &Machine{
		store:    store,
		tracking: make(map[string]*tracker),
		now:      time.Now,
	}
}

// WithClock sets the time source used to stamp tracked sends
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// ===== OUTGOING =====

// BeginSend stores a local send or reply as pending and starts tracking its
// fragments.
func (m *Machine) BeginSend(msg *storage.Message, totalParts int) error {
	if msg.ID == "" || msg.ThreadID == "" {
		return fmt.Errorf("%w: message id and thread id are required", ErrInvalidRequest)
	}
	if totalParts < 1 {
		totalParts = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg.Outgoing = true
	msg.Status = storage.MessageStatusPending
	if err := m.store.SaveMessage(msg); err != nil {
		return fmt.Errorf("failed to store outgoing message: %w", err)
	}

	m.tracking[msg.ID] = newTracker(totalParts, m.now())
	metrics.StatusTransitions.WithLabelValues(string(storage.MessageStatusPending)).Inc()

	logrus.WithFields(logrus.Fields{
		"function":    "BeginSend",
		"message_id":  msg.ID,
		"thread_id":   msg.ThreadID,
		"total_parts": totalParts,
	}).Debug("Outgoing message pending")

	return nil
}

// RecordUnitSent applies the transport's hand-off report for one fragment.
// A failure fails the whole message and stops tracking it; the message
// becomes sent once every fragment has been handed off.
func (m *Machine) RecordUnitSent(messageID string, part int, sendErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.tracking[messageID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "RecordUnitSent",
			"message_id": messageID,
			"part":       part,
		}).Debug("Send report for untracked message, ignoring")
		return ErrNotTracked
	}

	if sendErr != nil {
		delete(m.tracking, messageID)
		logrus.WithFields(logrus.Fields{
			"function":   "RecordUnitSent",
			"message_id": messageID,
			"part":       part,
			"error":      sendErr.Error(),
		}).Warn("Fragment send failed, failing message")
		return m.transition(messageID, storage.MessageStatusFailed)
	}

	if !tr.validPart(part) {
		return fmt.Errorf("%w: part %d of %d", ErrInvalidRequest, part, tr.totalParts)
	}

	tr.sent[part] = true
	if !tr.allSent() {
		return nil
	}
	return m.transition(messageID, storage.MessageStatusSent)
}

// RecordUnitDelivered applies a delivery confirmation for one fragment. A
// delivered fragment counts as sent. The message becomes delivered once
// every fragment is confirmed.
func (m *Machine) RecordUnitDelivered(messageID string, part int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.tracking[messageID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "RecordUnitDelivered",
			"message_id": messageID,
			"part":       part,
		}).Debug("Delivery report for untracked message, ignoring")
		return ErrNotTracked
	}
	if !tr.validPart(part) {
		return fmt.Errorf("%w: part %d of %d", ErrInvalidRequest, part, tr.totalParts)
	}

	wasAllSent := tr.allSent()
	tr.sent[part] = true
	tr.delivered[part] = true

	if !wasAllSent && tr.allSent() {
		if err := m.transition(messageID, storage.MessageStatusSent); err != nil {
			return err
		}
	}

	if !tr.allDelivered() {
		return nil
	}

	delete(m.tracking, messageID)
	return m.transition(messageID, storage.MessageStatusDelivered)
}

// Abort fails a message that was never handed off completely
func (m *Machine) Abort(messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tracking, messageID)
	return m.transition(messageID, storage.MessageStatusFailed)
}

// Tracking reports whether fragment reports for messageID are still expected
func (m *Machine) Tracking(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tracking[messageID]
	return ok
}

// Expire stops tracking messages that began before cutoff. Their status
// stays where it is; later reports for them are ignored.
func (m *Machine) Expire(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, tr := range m.tracking {
		if tr.startedAt.Before(cutoff) {
			delete(m.tracking, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// transition moves a stored message to status when the lifecycle allows it.
// Disallowed transitions and vanished messages are ignored. m.mu must be held.
func (m *Machine) transition(messageID string, to storage.MessageStatus) error {
	msg, err := m.store.GetMessage(messageID)
	if errors.Is(err, storage.ErrNotFound) {
		delete(m.tracking, messageID)
		logrus.WithFields(logrus.Fields{
			"function":   "transition",
			"message_id": messageID,
			"to":         to,
		}).Debug("Message no longer stored, dropping transition")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	if !canTransition(msg.Status, to, msg.Outgoing) {
		logrus.WithFields(logrus.Fields{
			"function":   "transition",
			"message_id": messageID,
			"from":       msg.Status,
			"to":         to,
		}).Debug("Transition not allowed, ignoring")
		return nil
	}

	if _, err := m.store.UpdateMessageStatus(messageID, to); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	logrus.WithFields(logrus.Fields{
		"function":   "transition",
		"message_id": messageID,
		"from":       msg.Status,
		"to":         to,
	}).Debug("Message status changed")

	return nil
}

func canTransition(from, to storage.MessageStatus, outgoing bool) bool {
	switch from {
	case storage.MessageStatusPending:
		return to == storage.MessageStatusSent || to == storage.MessageStatusFailed
	case storage.MessageStatusSent:
		return to == storage.MessageStatusDelivered || to == storage.MessageStatusFailed
	case storage.MessageStatusDelivered:
		return !outgoing && to == storage.MessageStatusRead
	}
	return false
}

// ===== INCOMING =====

// ApplyIncoming applies a decoded (and, when fragmented, reassembled) unit
// received on threadID. Sends and replies are stored as delivered incoming
// messages; a redelivered id is a duplicate and changes nothing. Edits and
// deletes act on RefID and are no-ops when it is unknown. payloadRef is the
// stored payload location for audio units.
func (m *Machine) ApplyIncoming(threadID string, u *protocol.Unit, payloadRef string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch u.Command {
	case protocol.CommandSend, protocol.CommandReply:
		return m.insertIncoming(threadID, u, payloadRef)
	case protocol.CommandEdit:
		return m.editRef(u.RefID, u.Content, "ApplyIncoming")
	case protocol.CommandDelete:
		return m.deleteRef(u.RefID, "ApplyIncoming")
	}

	return 0, fmt.Errorf("%w: command %v", ErrInvalidRequest, u.Command)
}

func (m *Machine) insertIncoming(threadID string, u *protocol.Unit, payloadRef string) (Outcome, error) {
	msg := &storage.Message{
		ID:                u.MessageID,
		ThreadID:          threadID,
		Content:           u.Content,
		Outgoing:          false,
		ReplyTo:           u.RefID,
		Status:            storage.MessageStatusDelivered,
		PayloadKind:       u.PayloadKind,
		PayloadRef:        payloadRef,
		HasProtocolHeader: !u.Legacy,
	}

	if u.Legacy {
		// Plain text carries no id; collisions with stored ids are retried
		var err error
		for attempt := 0; attempt < legacyIDAttempts; attempt++ {
			msg.ID = protocol.GenerateMessageID()
			err = m.store.SaveMessage(msg)
			if !errors.Is(err, storage.ErrMessageExists) {
				break
			}
		}
		if err != nil {
			return 0, fmt.Errorf("failed to store incoming message: %w", err)
		}
		metrics.StatusTransitions.WithLabelValues(string(storage.MessageStatusDelivered)).Inc()
		return OutcomeInserted, nil
	}

	err := m.store.SaveMessage(msg)
	if errors.Is(err, storage.ErrMessageExists) {
		logrus.WithFields(logrus.Fields{
			"function":   "ApplyIncoming",
			"message_id": msg.ID,
			"thread_id":  threadID,
		}).Debug("Message already stored, ignoring redelivery")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store incoming message: %w", err)
	}

	metrics.StatusTransitions.WithLabelValues(string(storage.MessageStatusDelivered)).Inc()
	logrus.WithFields(logrus.Fields{
		"function":   "ApplyIncoming",
		"message_id": msg.ID,
		"thread_id":  threadID,
		"command":    u.Command.String(),
		"kind":       u.PayloadKind.String(),
	}).Debug("Incoming message stored")

	return OutcomeInserted, nil
}

func (m *Machine) editRef(refID, content, caller string) (Outcome, error) {
	if refID == "" {
		return m.unresolved(protocol.CommandEdit, refID, caller), nil
	}

	found, err := m.store.UpdateMessageContent(refID, content)
	if err != nil {
		return 0, fmt.Errorf("failed to edit message: %w", err)
	}
	if !found {
		return m.unresolved(protocol.CommandEdit, refID, caller), nil
	}

	return OutcomeEdited, nil
}

func (m *Machine) deleteRef(refID, caller string) (Outcome, error) {
	if refID == "" {
		return m.unresolved(protocol.CommandDelete, refID, caller), nil
	}

	found, err := m.store.DeleteMessage(refID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", err)
	}
	if !found {
		return m.unresolved(protocol.CommandDelete, refID, caller), nil
	}

	delete(m.tracking, refID)
	return OutcomeDeleted, nil
}

func (m *Machine) unresolved(cmd protocol.Command, refID, caller string) Outcome {
	metrics.UnresolvedReferences.WithLabelValues(cmd.String()).Inc()
	logrus.WithFields(logrus.Fields{
		"function": caller,
		"command":  cmd.String(),
		"ref_id":   refID,
	}).Debug("Referenced message unknown, ignoring")
	return OutcomeUnresolved
}

// ===== LOCAL COMMANDS =====

// ApplyLocalEdit rewrites the content of a stored message
func (m *Machine) ApplyLocalEdit(messageID, content string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editRef(messageID, content, "ApplyLocalEdit")
}

// ApplyLocalDelete removes a stored message
func (m *Machine) ApplyLocalDelete(messageID string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRef(messageID, "ApplyLocalDelete")
}

// MarkThreadRead moves the thread's delivered incoming messages to read
func (m *Machine) MarkThreadRead(threadID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, err := m.store.MarkThreadRead(threadID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.StatusTransitions.WithLabelValues(string(storage.MessageStatusRead)).Add(float64(count))
	}
	return count, nil
}
