package storage

import (
	"database/sql"

	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
)

// ===== HELPER FUNCTIONS =====

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parsePayloadKind(s string) protocol.PayloadKind {
	if s == protocol.PayloadAudio.String() {
		return protocol.PayloadAudio
	}
	return protocol.PayloadText
}

// snippet shortens content for thread previews
func snippet(content string) string {
	runes := []rune(content)
	if len(runes) > 100 {
		return string(runes[:100]) + "..."
	}
	return content
}
