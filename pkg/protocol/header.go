package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrEncoding            = errors.New("header encoding error")
	ErrDecodeAmbiguous     = errors.New("ambiguous protocol header")
	ErrUnrecognizedCommand = errors.New("unrecognized command")
)

// DecodeError reports why a marked unit could not be read as a protocol
// unit. Callers fall back to LegacyUnit(Raw).
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Raw, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Header holds the metadata written in front of a fragment
type Header struct {
	MessageID   string
	Command     Command
	RefID       string // empty when absent
	PayloadKind PayloadKind
	PartIndex   int // 1-based, 0 means 1
	TotalParts  int // 0 means 1
}

// Unit is the result of decoding one raw transport unit.
type Unit struct {
	// Legacy is set for units without a protocol header; only Content is
	// meaningful then.
	Legacy bool

	MessageID   string
	Command     Command
	RefID       string
	PayloadKind PayloadKind
	PartIndex   int
	TotalParts  int
	Content     string
}

// LegacyUnit wraps a raw unit as complete plain incoming text
func LegacyUnit(raw string) *Unit {
	return &Unit{
		Legacy:     true,
		Command:    CommandSend,
		PartIndex:  1,
		TotalParts: 1,
		Content:    raw,
	}
}

// HasRef reports whether the unit references another message
func (u *Unit) HasRef() bool {
	return u.RefID != ""
}

// MultiPart reports whether the unit is one fragment of a larger message
func (u *Unit) MultiPart() bool {
	return u.TotalParts > 1
}

// Header returns the header fields of u
func (u *Unit) Header() Header {
	return Header{
		MessageID:   u.MessageID,
		Command:     u.Command,
		RefID:       u.RefID,
		PayloadKind: u.PayloadKind,
		PartIndex:   u.PartIndex,
		TotalParts:  u.TotalParts,
	}
}

func (h Header) parts() (int, int) {
	part, total := h.PartIndex, h.TotalParts
	if total < 1 {
		total = 1
	}
	if part < 1 {
		part = 1
	}
	return part, total
}

// Validate checks that the header can be written without breaking the grammar
func (h Header) Validate() error {
	if !ValidIdentifier(h.MessageID) {
		return fmt.Errorf("%w: invalid message id %q", ErrEncoding, h.MessageID)
	}
	if !h.Command.Valid() {
		return fmt.Errorf("%w: invalid command %d", ErrEncoding, h.Command)
	}
	if h.RefID != "" && (!ValidIdentifier(h.RefID) || h.RefID == nullRefID) {
		return fmt.Errorf("%w: invalid reference id %q", ErrEncoding, h.RefID)
	}
	part, total := h.parts()
	if part > total {
		return fmt.Errorf("%w: part %d exceeds total %d", ErrEncoding, part, total)
	}
	if total > MaxTotalParts {
		return fmt.Errorf("%w: %d parts exceeds the limit of %d", ErrEncoding, total, MaxTotalParts)
	}
	return nil
}

// headerText renders everything before the content, separator excluded
func (h Header) headerText() string {
	var sb strings.Builder

	sb.WriteRune(Marker)
	sb.WriteString(KeyMessageID)
	sb.WriteRune(KeyValueDelim)
	sb.WriteString(h.MessageID)

	sb.WriteRune(FieldDelimiter)
	sb.WriteString(KeyCommand)
	sb.WriteRune(KeyValueDelim)
	sb.WriteString(h.Command.Code())

	if h.RefID != "" {
		sb.WriteRune(FieldDelimiter)
		sb.WriteString(KeyRefID)
		sb.WriteRune(KeyValueDelim)
		sb.WriteString(h.RefID)
	}

	if kind := h.PayloadKind.Code(); kind != "" {
		sb.WriteRune(FieldDelimiter)
		sb.WriteString(KeyPayloadKind)
		sb.WriteRune(KeyValueDelim)
		sb.WriteString(kind)
	}

	if part, total := h.parts(); total > 1 {
		sb.WriteRune(FieldDelimiter)
		sb.WriteString(KeyParts)
		sb.WriteRune(KeyValueDelim)
		sb.WriteString(strconv.Itoa(part))
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(total))
	}

	return sb.String()
}

// Encode renders a transport unit and reports the length of the header in
// characters, separator included. It does not enforce the unit budget.
func Encode(h Header, content string) (string, int, error) {
	if err := h.Validate(); err != nil {
		return "", 0, err
	}

	header := h.headerText()

	// A delete carries no payload and travels header-only
	if content == "" && h.Command == CommandDelete {
		return header, utf8.RuneCountInString(header), nil
	}

	unit := header + string(ContentDelim) + content
	return unit, utf8.RuneCountInString(header) + 1, nil
}

// Decode parses one raw transport unit. Units without the marker decode to a
// legacy unit. A marked unit whose header is unusable yields a *DecodeError;
// the caller decides how to fall back.
func Decode(raw string) (*Unit, error) {
	if raw == "" || raw[0] != Marker {
		return LegacyUnit(raw), nil
	}

	body := raw[1:]
	content := ""
	headerOnly := true
	if idx := strings.IndexRune(body, ContentDelim); idx >= 0 {
		content = body[idx+1:]
		body = body[:idx]
		headerOnly = false
	}

	unit := &Unit{
		PartIndex:  1,
		TotalParts: 1,
		Content:    content,
	}

	var cmdCode string
	var haveID, haveCmd bool

	for _, field := range strings.Split(body, string(FieldDelimiter)) {
		key, value, ok := strings.Cut(field, string(KeyValueDelim))
		if !ok {
			continue
		}

		switch key {
		case KeyMessageID:
			unit.MessageID = value
			haveID = value != ""
		case KeyCommand:
			cmdCode = value
			haveCmd = value != ""
		case KeyRefID:
			if value != nullRefID {
				unit.RefID = value
			}
		case KeyPayloadKind:
			unit.PayloadKind = ParsePayloadKind(value)
		case KeyParts:
			part, total, err := parseParts(value)
			if err != nil {
				return nil, &DecodeError{Raw: raw, Err: err}
			}
			unit.PartIndex = part
			unit.TotalParts = total
		}
		// Unknown keys are skipped for forward compatibility
	}

	if !haveID || !haveCmd {
		return nil, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: missing message id or command", ErrDecodeAmbiguous)}
	}

	cmd, err := ParseCommand(cmdCode)
	if err != nil {
		return nil, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: %q", err, cmdCode)}
	}
	unit.Command = cmd

	if headerOnly && cmd != CommandDelete {
		return nil, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: %s without content separator", ErrDecodeAmbiguous, cmd)}
	}

	return unit, nil
}

// parseParts reads a "<part>/<total>" value
func parseParts(value string) (int, int, error) {
	p, t, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed parts %q", ErrDecodeAmbiguous, value)
	}

	part, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed part index %q", ErrDecodeAmbiguous, p)
	}
	total, err := strconv.Atoi(t)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed part total %q", ErrDecodeAmbiguous, t)
	}

	if total < 1 || part < 1 || part > total {
		return 0, 0, fmt.Errorf("%w: part %d/%d out of range", ErrDecodeAmbiguous, part, total)
	}
	if total > MaxTotalParts {
		return 0, 0, fmt.Errorf("%w: total %d exceeds %d", ErrDecodeAmbiguous, total, MaxTotalParts)
	}

	return part, total, nil
}
