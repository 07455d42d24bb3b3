package server

import (
	"testing"

	"github.com/energizer-project/energizer/internal/events"
)

func TestNewGameStateDefaults(t *testing.T) {
	s := NewGameState()
	if s.GetStatus() != events.GameStatusQueued {
		t.Fatalf("expected initial status Queued, got %v", s.GetStatus())
	}
	if s.GetPhase() != events.GamePhaseIdle {
		t.Fatalf("expected initial phase Idle, got %v", s.GetPhase())
	}
	if s.PlayerCount() != 0 {
		t.Fatalf("expected 0 players, got %d", s.PlayerCount())
	}
}

func TestUpdateTelemetryReadyToOccupiedTransition(t *testing.T) {
	s := NewGameState()
	s.SetStatus(events.GameStatusReady)

	s.UpdateTelemetry(100, 10.5, 3, true, events.GamePhasePlaying, nil)

	if got := s.GetStatus(); got != events.GameStatusOccupied {
		t.Fatalf("expected status Occupied after players joined, got %v", got)
	}
}

func TestUpdateTelemetryOccupiedToReadyTransition(t *testing.T) {
	s := NewGameState()
	s.SetStatus(events.GameStatusOccupied)

	s.UpdateTelemetry(100, 0, 0, false, events.GamePhaseIdle, nil)

	if got := s.GetStatus(); got != events.GameStatusReady {
		t.Fatalf("expected status Ready after all players left, got %v", got)
	}
}

func TestUpdateTelemetryIgnoresOtherStatusesForAutoTransition(t *testing.T) {
	s := NewGameState()
	s.SetStatus(events.GameStatusStarting)

	s.UpdateTelemetry(100, 10, 3, true, events.GamePhasePlaying, nil)

	if got := s.GetStatus(); got != events.GameStatusStarting {
		t.Fatalf("expected status to remain Starting (not auto-transitioned), got %v", got)
	}
}

func TestUpdateTelemetryAssignsRosterSlotsAndPreservesJoinTime(t *testing.T) {
	s := NewGameState()

	roster := []events.RosterEntry{
		{AccountID: 1, Name: "p1"},
		{AccountID: 2, Name: "p2"},
	}
	s.UpdateTelemetry(0, 0, 2, false, events.GamePhaseIdle, roster)

	players := s.GetPlayers()
	if len(players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(players))
	}
	if players[1].Slot != "0-4" {
		t.Fatalf("expected first player in 0-4 slot, got %q", players[1].Slot)
	}
	firstJoin := players[1].JoinedAt

	// A second update with the same account id should preserve JoinedAt.
	s.UpdateTelemetry(10, 0, 2, false, events.GamePhaseIdle, roster)
	players = s.GetPlayers()
	if !players[1].JoinedAt.Equal(firstJoin) {
		t.Fatalf("expected JoinedAt to be preserved across updates")
	}
}

func TestAddLagEventAccumulates(t *testing.T) {
	s := NewGameState()
	s.AddLagEvent(150)
	s.AddLagEvent(300)

	lagEvents := s.GetLagEvents()
	if len(lagEvents) != 2 {
		t.Fatalf("expected 2 lag events, got %d", len(lagEvents))
	}
	if s.TotalLagEvents != 2 {
		t.Fatalf("expected TotalLagEvents == 2, got %d", s.TotalLagEvents)
	}

	s.ClearLagEvents()
	if len(s.GetLagEvents()) != 0 {
		t.Fatalf("expected lag events cleared")
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	s := NewGameState()
	s.SetStatus(events.GameStatusOccupied)
	s.SetMatchInfo(42, "caldavar", "ranked")
	s.AddLagEvent(200)

	s.Reset()

	if s.GetStatus() != events.GameStatusQueued {
		t.Fatalf("expected status Queued after reset, got %v", s.GetStatus())
	}
	if s.MatchID != 0 || s.MapName != "" {
		t.Fatalf("expected match info cleared after reset")
	}
	if s.PlayerCount() != 0 {
		t.Fatalf("expected players cleared after reset")
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	s := NewGameState()
	s.SetStatus(events.GameStatusReady)
	s.SetMatchInfo(7, "grimm's crossing", "casual")
	s.UpdateTelemetry(50, 12.3, 1, true, events.GamePhasePlaying,
		[]events.RosterEntry{{AccountID: 9, Name: "solo"}})

	snap := s.Snapshot()
	if snap.MatchID != 7 || snap.MapName != "grimm's crossing" {
		t.Fatalf("unexpected snapshot match info: %+v", snap)
	}
	if snap.PlayerCount != 1 {
		t.Fatalf("expected snapshot player count 1, got %d", snap.PlayerCount)
	}
	if snap.Status != events.GameStatusOccupied {
		t.Fatalf("expected snapshot status Occupied (Ready+players), got %v", snap.Status)
	}
}
