package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/energizer-project/energizer/internal/events"
)

// buildStatusFrame assembles a 0x42 status packet: tag + StatusPreambleSize
// bytes of preamble + an optional roster tail, all counted from the tag as
// the wire format documents it.
func buildStatusFrame(uptime, rawLoad uint32, numClients uint8, matchStarted bool, gamePhase uint8, rosterTail []byte) []byte {
	buf := make([]byte, 1+StatusPreambleSize)
	buf[0] = PktServerStatus

	// preamble is tag-stripped payload space; add 1 to recover the
	// documented tag-relative offset when indexing into buf.
	binary.LittleEndian.PutUint32(buf[1+offUptime:], uptime)
	binary.LittleEndian.PutUint32(buf[1+offLoad:], rawLoad)
	buf[1+offNumClients] = numClients
	if matchStarted {
		buf[1+offMatchStarted] = 1
	}
	buf[1+offGamePhase] = gamePhase

	return append(buf, rosterTail...)
}

func TestParseServerStatusMinimalFrame(t *testing.T) {
	// A spec-compliant minimal 0x42 frame has no roster tail: 1 tag byte +
	// StatusPreambleSize bytes, nothing more. io.ReadFull must not demand
	// more than that.
	frame := buildStatusFrame(3600, 2500, 0, false, 5, nil)

	p := NewGameManagerParser()
	event, err := p.Parse(frame, 1234)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	payload, ok := event.Payload.(events.ServerStatusPayload)
	if !ok {
		t.Fatalf("expected ServerStatusPayload, got %T", event.Payload)
	}
	if payload.Uptime != 3600 {
		t.Fatalf("expected uptime 3600, got %d", payload.Uptime)
	}
	if payload.Load != 25 {
		t.Fatalf("expected load 25, got %v", payload.Load)
	}
	if payload.NumClients != 0 {
		t.Fatalf("expected 0 clients, got %d", payload.NumClients)
	}
	if payload.GamePhase != events.GamePhase(5) {
		t.Fatalf("expected game phase 5, got %v", payload.GamePhase)
	}
	if payload.Port != 1234 {
		t.Fatalf("expected port to come from the session, got %d", payload.Port)
	}
	if len(payload.Roster) != 0 {
		t.Fatalf("expected no roster entries, got %d", len(payload.Roster))
	}
}

func TestParseServerStatusWithRosterTail(t *testing.T) {
	var roster bytes.Buffer
	roster.WriteByte(1) // count
	encodeRosterEntry(&roster, 42, "10.1.1.1", "hero", "EU", 10, 20, 30)

	frame := buildStatusFrame(100, 0, 1, true, 2, roster.Bytes())

	p := NewGameManagerParser()
	event, err := p.Parse(frame, 7777)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	payload := event.Payload.(events.ServerStatusPayload)
	if !payload.MatchStarted {
		t.Fatalf("expected match_started true")
	}
	if len(payload.Roster) != 1 || payload.Roster[0].Name != "hero" {
		t.Fatalf("unexpected roster: %+v", payload.Roster)
	}
}
