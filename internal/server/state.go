// Package server implements the game server lifecycle management,
// including the central orchestrator (Manager), individual server
// instances, process control, and monitoring.
package server

import (
	"sync"
	"time"

	"github.com/energizer-project/energizer/internal/events"
)

// GameState encapsulates the current state of a game server instance.
// It is thread-safe and tracks both server status and game phase.
type GameState struct {
	mu sync.RWMutex

	// Current status and phase
	Status events.GameStatus
	Phase  events.GamePhase

	// Match info
	MatchID  uint32
	MapName  string
	GameMode string

	// Player roster, keyed by account id
	Players map[int32]PlayerInfo

	// Timing
	StatusChangedAt time.Time
	PhaseChangedAt  time.Time
	StartedAt       time.Time

	// Telemetry
	Uptime       uint32
	Load         float64
	NumClients   uint8
	MatchStarted bool

	// Lag tracking
	SkippedFrames  []SkippedFrame
	TotalLagEvents int
	LastLagTime    time.Time
}

// PlayerInfo holds information about a roster entry, decoded from the
// IPv4-anchor tail of a 0x42 status packet (see internal/protocol/roster.go)
// plus a slot assignment derived from the entry's position in the roster.
type PlayerInfo struct {
	AccountID  int32     `json:"account_id"`
	ExternalIP string    `json:"external_ip"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	PingMin    uint16    `json:"ping_min"`
	PingAvg    uint16    `json:"ping_avg"`
	PingMax    uint16    `json:"ping_max"`
	Slot       string    `json:"slot"` // "0-4", "5-9", or "spectator"
	JoinedAt   time.Time `json:"joined_at"`
}

// SkippedFrame records a lag event (long frame).
type SkippedFrame struct {
	Timestamp time.Time `json:"timestamp"`
	Duration  uint32    `json:"duration_ms"`
}

// NewGameState creates a new GameState with initial values.
func NewGameState() *GameState {
	now := time.Now()
	return &GameState{
		Status:          events.GameStatusQueued,
		Phase:           events.GamePhaseIdle,
		Players:         make(map[int32]PlayerInfo),
		SkippedFrames:   make([]SkippedFrame, 0),
		StatusChangedAt: now,
		PhaseChangedAt:  now,
	}
}

// SetStatus updates the server status and records the transition time.
func (s *GameState) SetStatus(status events.GameStatus) events.GameStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Status
	s.Status = status
	s.StatusChangedAt = time.Now()
	return old
}

// GetStatus returns the current server status.
func (s *GameState) GetStatus() events.GameStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// SetPhase updates the game phase.
func (s *GameState) SetPhase(phase events.GamePhase) events.GamePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Phase
	s.Phase = phase
	s.PhaseChangedAt = time.Now()
	return old
}

// GetPhase returns the current game phase.
func (s *GameState) GetPhase() events.GamePhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// UpdateTelemetry updates the server telemetry data from a 0x42 status
// packet. Ready<->Occupied transitions are driven purely off NumClients.
func (s *GameState) UpdateTelemetry(uptime uint32, load float64, numClients uint8,
	matchStarted bool, phase events.GamePhase, roster []events.RosterEntry) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Uptime = uptime
	s.Load = load
	s.NumClients = numClients
	s.MatchStarted = matchStarted

	if s.Phase != phase {
		s.Phase = phase
		s.PhaseChangedAt = time.Now()
	}

	if numClients > 0 && s.Status == events.GameStatusReady {
		s.Status = events.GameStatusOccupied
		s.StatusChangedAt = time.Now()
	} else if numClients == 0 && s.Status == events.GameStatusOccupied {
		s.Status = events.GameStatusReady
		s.StatusChangedAt = time.Now()
	}

	if numClients == 0 {
		// No roster tail accompanies a num_clients==0 status frame, so there's
		// nothing to merge against; the server has emptied out.
		s.Players = make(map[int32]PlayerInfo)
	} else if roster != nil {
		players := make(map[int32]PlayerInfo, len(roster))
		for _, entry := range roster {
			existing, had := s.Players[entry.AccountID]
			joined := time.Now()
			if had {
				joined = existing.JoinedAt
			}
			players[entry.AccountID] = PlayerInfo{
				AccountID:  entry.AccountID,
				ExternalIP: entry.ExternalIP,
				Name:       entry.Name,
				Location:   entry.Location,
				PingMin:    entry.PingMin,
				PingAvg:    entry.PingAvg,
				PingMax:    entry.PingMax,
				Slot:       slotForIndex(len(players)),
				JoinedAt:   joined,
			}
		}
		s.Players = players
	}
}

// slotForIndex maps a roster position to its team slot: the first five
// players are the "0-4" team, the next five are "5-9", and anything
// beyond that is a spectator.
func slotForIndex(i int) string {
	switch {
	case i < 5:
		return "0-4"
	case i < 10:
		return "5-9"
	default:
		return "spectator"
	}
}

// GetPlayers returns a copy of the current player roster.
func (s *GameState) GetPlayers() map[int32]PlayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[int32]PlayerInfo, len(s.Players))
	for k, v := range s.Players {
		result[k] = v
	}
	return result
}

// PlayerCount returns the number of tracked players.
func (s *GameState) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Players)
}

// AddLagEvent records a skipped frame / lag event.
func (s *GameState) AddLagEvent(duration uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SkippedFrames = append(s.SkippedFrames, SkippedFrame{
		Timestamp: time.Now(),
		Duration:  duration,
	})
	s.TotalLagEvents++
	s.LastLagTime = time.Now()
}

// GetLagEvents returns a copy of the skipped frame data.
func (s *GameState) GetLagEvents() []SkippedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]SkippedFrame, len(s.SkippedFrames))
	copy(result, s.SkippedFrames)
	return result
}

// ClearLagEvents resets the skipped frame tracker.
func (s *GameState) ClearLagEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SkippedFrames = make([]SkippedFrame, 0)
}

// ClearOnExit clears the roster and game phase, and zeroes telemetry, as
// happens whenever the underlying process stops running (clean exit or
// crash) and there is no longer a live server behind this state.
func (s *GameState) ClearOnExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Players = make(map[int32]PlayerInfo)
	s.Phase = events.GamePhaseIdle
	s.PhaseChangedAt = time.Now()
	s.NumClients = 0
	s.MatchStarted = false
	s.Uptime = 0
}

// SetMatchInfo updates the current match information.
func (s *GameState) SetMatchInfo(matchID uint32, mapName, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MatchID = matchID
	s.MapName = mapName
	s.GameMode = mode
}

// Reset resets the game state to defaults (for server restart).
func (s *GameState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.Status = events.GameStatusQueued
	s.Phase = events.GamePhaseIdle
	s.MatchID = 0
	s.MapName = ""
	s.GameMode = ""
	s.Players = make(map[int32]PlayerInfo)
	s.SkippedFrames = make([]SkippedFrame, 0)
	s.Uptime = 0
	s.Load = 0
	s.NumClients = 0
	s.MatchStarted = false
	s.StatusChangedAt = now
	s.PhaseChangedAt = now
}

// Snapshot returns a read-only snapshot of the current state.
func (s *GameState) Snapshot() GameStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make(map[int32]PlayerInfo, len(s.Players))
	for k, v := range s.Players {
		players[k] = v
	}

	return GameStateSnapshot{
		Status:          s.Status,
		Phase:           s.Phase,
		MatchID:         s.MatchID,
		MapName:         s.MapName,
		GameMode:        s.GameMode,
		PlayerCount:     len(players),
		Players:         players,
		Uptime:          s.Uptime,
		Load:            s.Load,
		TotalLagEvents:  s.TotalLagEvents,
		StatusChangedAt: s.StatusChangedAt,
		PhaseChangedAt:  s.PhaseChangedAt,
	}
}

// GameStateSnapshot is an immutable snapshot of a game state.
type GameStateSnapshot struct {
	Status          events.GameStatus    `json:"status"`
	Phase           events.GamePhase     `json:"phase"`
	MatchID         uint32               `json:"match_id"`
	MapName         string               `json:"map_name"`
	GameMode        string               `json:"game_mode"`
	PlayerCount     int                  `json:"player_count"`
	Players         map[int32]PlayerInfo `json:"players"`
	Uptime          uint32               `json:"uptime"`
	Load            float64              `json:"load"`
	TotalLagEvents  int                  `json:"total_lag_events"`
	StatusChangedAt time.Time            `json:"status_changed_at"`
	PhaseChangedAt  time.Time            `json:"phase_changed_at"`
}
