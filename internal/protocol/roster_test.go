package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// encodeRosterEntry writes one roster-tail entry in the documented wire
// shape: account_id, a redundant IPv4 anchor copy, then the (ip, name,
// location) triple, then the ping triple.
func encodeRosterEntry(buf *bytes.Buffer, accountID int32, ip, name, location string, pingMin, pingAvg, pingMax uint16) {
	binary.Write(buf, binary.LittleEndian, accountID)
	buf.WriteString(ip) // anchor copy, validated then discarded
	buf.WriteByte(0)
	buf.WriteString(ip)
	buf.WriteByte(0)
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(location)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, pingMin)
	binary.Write(buf, binary.LittleEndian, pingAvg)
	binary.Write(buf, binary.LittleEndian, pingMax)
}

func TestParseRosterTailDecodesAllEntries(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(2) // count

	encodeRosterEntry(&buf, 1001, "10.0.0.1", "alice", "USE", 20, 25, 40)
	encodeRosterEntry(&buf, 1002, "10.0.0.2", "bob", "EU", 60, 70, 90)

	r := bytes.NewReader(buf.Bytes())
	entries := parseRosterTail(r)

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].AccountID != 1001 || entries[0].Name != "alice" || entries[0].ExternalIP != "10.0.0.1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].AccountID != 1002 || entries[1].Name != "bob" || entries[1].PingAvg != 70 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

// TestParseRosterTailMultiEntryRoundTrip exercises a full 10-player roster
// (two five-player teams) and checks that every entry survives the anchor
// check with its fields intact, not just the first couple.
func TestParseRosterTailMultiEntryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	const n = 10
	buf.WriteByte(n)

	for i := 0; i < n; i++ {
		accountID := int32(2000 + i)
		ip := "192.168.1.1"
		name := "player"
		location := "USE"
		encodeRosterEntry(&buf, accountID, ip, name, location,
			uint16(10+i), uint16(20+i), uint16(30+i))
	}

	r := bytes.NewReader(buf.Bytes())
	entries := parseRosterTail(r)

	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for i, e := range entries {
		wantID := int32(2000 + i)
		if e.AccountID != wantID {
			t.Fatalf("entry %d: expected account id %d, got %d", i, wantID, e.AccountID)
		}
		if e.ExternalIP != "192.168.1.1" {
			t.Fatalf("entry %d: unexpected ip %q", i, e.ExternalIP)
		}
		if e.PingMin != uint16(10+i) || e.PingAvg != uint16(20+i) || e.PingMax != uint16(30+i) {
			t.Fatalf("entry %d: unexpected ping triple: %+v", i, e)
		}
	}
}

func TestParseRosterTailEmpty(t *testing.T) {
	r := bytes.NewReader(nil)
	entries := parseRosterTail(r)
	if entries != nil {
		t.Fatalf("expected nil entries for empty reader, got %+v", entries)
	}
}

func TestParseRosterTailStopsOnBadIPAnchor(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(2) // claims 2 entries

	encodeRosterEntry(&buf, 1001, "10.0.0.1", "alice", "USE", 20, 25, 40)

	// Second entry has a corrupted/misaligned anchor field - not a dotted quad.
	binary.Write(&buf, binary.LittleEndian, int32(2002))
	buf.WriteString("not-an-ip")
	buf.WriteByte(0)

	r := bytes.NewReader(buf.Bytes())
	entries := parseRosterTail(r)

	if len(entries) != 1 {
		t.Fatalf("expected parsing to stop after the first good entry, got %d entries", len(entries))
	}
	if entries[0].Name != "alice" {
		t.Fatalf("unexpected surviving entry: %+v", entries[0])
	}
}

func TestParseRosterTailTruncatedEntryIsDropped(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1)
	binary.Write(&buf, binary.LittleEndian, int32(1001))
	buf.WriteString("10.0.0.1") // anchor only
	buf.WriteByte(0)
	// Missing ip/name/location/ping fields entirely.

	r := bytes.NewReader(buf.Bytes())
	entries := parseRosterTail(r)

	if len(entries) != 0 {
		t.Fatalf("expected truncated entry to be dropped, got %d entries", len(entries))
	}
}
