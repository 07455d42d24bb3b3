package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/energizer-project/energizer/internal/events"
)

// parseRosterTail parses the variable-length player roster that optionally
// follows the fixed 54-byte preamble of a 0x42 status packet.
//
// Layout per entry: [account_id:4 LE][anchor ip:NUL-terminated]
// [ip:NUL-terminated][name:NUL-terminated][location:NUL-terminated]
// [ping_min:2 LE][ping_avg:2 LE][ping_max:2 LE].
//
// The anchor is a second, redundant copy of the ip string that precedes the
// real (ip, name, location) triple; it exists purely to validate cursor
// alignment and is discarded once checked. It must look like a dotted-quad
// IPv4 address — if it doesn't, the cursor has drifted out of frame (a
// malformed or truncated tail) and parsing stops for this entry. Entries
// already decoded are kept; the rest are simply not reported, rather than
// guessing at a resync point.
func parseRosterTail(r *bytes.Reader) []events.RosterEntry {
	if r.Len() == 0 {
		return nil
	}

	count, err := r.ReadByte()
	if err != nil {
		return nil
	}

	entries := make([]events.RosterEntry, 0, count)
	for i := byte(0); i < count; i++ {
		entry, ok := parseRosterEntry(r)
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries
}

func parseRosterEntry(r *bytes.Reader) (events.RosterEntry, bool) {
	var entry events.RosterEntry

	var accountID int32
	if err := binary.Read(r, binary.LittleEndian, &accountID); err != nil {
		return entry, false
	}

	anchor, err := readNullString(r)
	if err != nil {
		return entry, false
	}
	if net.ParseIP(anchor).To4() == nil {
		// Lost alignment: the bytes we just consumed as the anchor aren't a
		// dotted-quad, so everything after this point in the tail is
		// untrustworthy.
		return entry, false
	}

	ip, err := readNullString(r)
	if err != nil {
		return entry, false
	}

	name, err := readNullString(r)
	if err != nil {
		return entry, false
	}

	location, err := readNullString(r)
	if err != nil {
		return entry, false
	}

	var pingMin, pingAvg, pingMax uint16
	if err := binary.Read(r, binary.LittleEndian, &pingMin); err != nil {
		return entry, false
	}
	if err := binary.Read(r, binary.LittleEndian, &pingAvg); err != nil {
		return entry, false
	}
	if err := binary.Read(r, binary.LittleEndian, &pingMax); err != nil {
		return entry, false
	}

	entry.AccountID = accountID
	entry.ExternalIP = ip
	entry.Name = name
	entry.Location = location
	entry.PingMin = pingMin
	entry.PingAvg = pingAvg
	entry.PingMax = pingMax
	return entry, true
}

// readNullString reads bytes up to (and consuming) the next NUL byte.
func readNullString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("unterminated string: %w", err)
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
		if buf.Len() > 255 {
			return "", fmt.Errorf("string exceeds 255 bytes without NUL terminator")
		}
	}
}
