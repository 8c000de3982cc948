// Package protocol implements the SMS overlay wire format.
//
// The overlay lets two endpoints exchange richer semantics than bare text
// (sends, replies, edits, deletes and payloads larger than one SMS) while an
// endpoint without overlay support still sees readable text.
//
// # Header Format
//
// A protocol unit starts with the marker '@', followed by ';'-separated
// key=value fields, a single space and the content:
//
//	@i=AB12c;c=r;r=XY99z;t=voice;p=2/4 <content>
//
// Keys:
//   - i: message id (required)
//   - c: command code (required): s, r, e, d, or the verbose forms
//     send, reply, edit, delete, normal used by earlier revisions
//   - r: reference id (optional, "null" or empty means absent)
//   - t: payload kind (optional, default text; "voice" for audio)
//   - p: part/total (optional, default 1/1)
//
// Unknown keys are ignored. A delete carries no content and may be sent
// header-only, without the trailing space.
//
// # Legacy Units
//
// Any unit that does not start with the marker is plain text from a peer
// without overlay support and decodes to a legacy unit holding the raw text.
// Marked units with a broken header decode to a *DecodeError and callers
// fall back to LegacyUnit so content is never silently dropped.
//
// # Chunking
//
// Plan splits content larger than one unit into fragments tagged with
// p=<part>/<total>. Planner reserves room for the worst-case header so every
// fragment fits the configured unit budget.
//
// # Usage Example
//
//	planner := protocol.NewPlanner(protocol.DefaultUnitBudget)
//	units, err := planner.Plan(protocol.Header{
//	    MessageID: protocol.GenerateMessageID(),
//	    Command:   protocol.CommandSend,
//	}, "hello")
//
//	unit, err := protocol.Decode(raw)
//	if err != nil {
//	    unit = protocol.LegacyUnit(raw)
//	}
package protocol
