package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/energizer-project/energizer/internal/events"
)

func newTestMatchHistory(t *testing.T) (*MatchHistory, *events.EventBus) {
	t.Helper()

	database, err := NewDatabase(filepath.Join(t.TempDir(), "matches.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	mh, err := NewMatchHistory(database, bus)
	if err != nil {
		t.Fatalf("NewMatchHistory: %v", err)
	}
	return mh, bus
}

func TestMatchHistoryRecordsStartAndEnd(t *testing.T) {
	mh, bus := newTestMatchHistory(t)

	bus.EmitSync(context.Background(), events.Event{
		Type: events.EventLobbyCreated,
		Payload: events.LobbyCreatedPayload{
			Port:    10500,
			MatchID: 42,
			MapName: "caldavar",
			Mode: "ranked",
		},
	})

	bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventLobbyClosed,
		Payload: events.ServerAnnouncePayload{Port: 10500},
	})

	matches, err := mh.GetRecentMatches(10)
	if err != nil {
		t.Fatalf("GetRecentMatches: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 completed match, got %d", len(matches))
	}
	if matches[0].MatchID != 42 || matches[0].Port != 10500 {
		t.Fatalf("unexpected match record: %+v", matches[0])
	}
	if matches[0].EndedAt.IsZero() {
		t.Fatalf("expected ended_at to be set")
	}
}

func TestMatchHistoryIgnoresCloseWithoutOpenMatch(t *testing.T) {
	mh, bus := newTestMatchHistory(t)

	bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventLobbyClosed,
		Payload: events.ServerAnnouncePayload{Port: 10500},
	})

	matches, err := mh.GetRecentMatches(10)
	if err != nil {
		t.Fatalf("GetRecentMatches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no completed matches, got %d", len(matches))
	}
}
