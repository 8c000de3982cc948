package protocol

import (
	"crypto/rand"
	"math/big"
	mathrand "math/rand"
	"strings"
)

// Wire grammar
const (
	Marker         = '@'
	FieldDelimiter = ';'
	KeyValueDelim  = '='
	ContentDelim   = ' '

	KeyMessageID   = "i"
	KeyCommand     = "c"
	KeyRefID       = "r"
	KeyPayloadKind = "t"
	KeyParts       = "p"

	// nullRefID is how earlier revisions wrote an absent reference
	nullRefID = "null"

	// reservedChars may never appear inside a header value
	reservedChars = "@;= "
)

// Protocol defaults
const (
	// DefaultUnitBudget is the character budget of one transport unit
	DefaultUnitBudget = 160

	// MessageIDLength is the length of generated message ids
	MessageIDLength = 5

	// MaxTotalParts bounds the p=<part>/<total> field on both sides of the wire
	MaxTotalParts = 999

	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Command is the closed set of protocol commands.
type Command uint8

const (
	CommandSend Command = iota + 1
	CommandReply
	CommandEdit
	CommandDelete
)

// Code returns the compact wire code written by Encode.
func (c Command) Code() string {
	switch c {
	case CommandSend:
		return "s"
	case CommandReply:
		return "r"
	case CommandEdit:
		return "e"
	case CommandDelete:
		return "d"
	}
	return ""
}

func (c Command) String() string {
	switch c {
	case CommandSend:
		return "send"
	case CommandReply:
		return "reply"
	case CommandEdit:
		return "edit"
	case CommandDelete:
		return "delete"
	}
	return "unknown"
}

// Valid reports whether c is one of the four protocol commands.
func (c Command) Valid() bool {
	return c >= CommandSend && c <= CommandDelete
}

// NeedsRef reports whether the command only makes sense with a reference id.
func (c Command) NeedsRef() bool {
	return c == CommandReply || c == CommandEdit || c == CommandDelete
}

// CreatesMessage reports whether the command produces a new stored message.
func (c Command) CreatesMessage() bool {
	return c == CommandSend || c == CommandReply
}

// ParseCommand translates a wire code into a Command. Both the compact
// vocabulary (s, r, e, d) and the verbose one used by earlier revisions
// (send, reply, edit, delete, normal) are accepted.
func ParseCommand(code string) (Command, error) {
	switch code {
	case "s", "send", "normal":
		return CommandSend, nil
	case "r", "reply":
		return CommandReply, nil
	case "e", "edit":
		return CommandEdit, nil
	case "d", "delete":
		return CommandDelete, nil
	}
	return 0, ErrUnrecognizedCommand
}

// PayloadKind tells whether the content is text or an encoded binary payload.
type PayloadKind uint8

const (
	PayloadText PayloadKind = iota
	PayloadAudio
)

// Wire values for the t field
const (
	wireKindText  = "text"
	wireKindVoice = "voice"
	wireKindAudio = "audio"
)

// Code returns the t field value, empty for the default text kind.
func (k PayloadKind) Code() string {
	if k == PayloadAudio {
		return wireKindVoice
	}
	return ""
}

func (k PayloadKind) String() string {
	if k == PayloadAudio {
		return wireKindAudio
	}
	return wireKindText
}

// ParsePayloadKind maps a t field value to a PayloadKind. Unknown values are
// treated as text so newer peers never cause data to be dropped.
func ParsePayloadKind(v string) PayloadKind {
	switch strings.ToLower(v) {
	case wireKindVoice, wireKindAudio:
		return PayloadAudio
	}
	return PayloadText
}

// ===== HELPER FUNCTIONS =====

// GenerateMessageID returns a random short id drawn from [A-Za-z0-9]
func GenerateMessageID() string {
	var sb strings.Builder
	sb.Grow(MessageIDLength)

	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < MessageIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing is very unlikely; ids only need uniqueness
			sb.WriteByte(idAlphabet[mathrand.Intn(len(idAlphabet))])
			continue
		}
		sb.WriteByte(idAlphabet[n.Int64()])
	}

	return sb.String()
}

// ValidIdentifier reports whether s can be written into a header value.
func ValidIdentifier(s string) bool {
	return s != "" && !strings.ContainsAny(s, reservedChars)
}
