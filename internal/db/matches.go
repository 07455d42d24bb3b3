package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/energizer-project/energizer/internal/events"
)

// MatchHistory persists match start/end records, backing the
// "persistence of metrics/matches/replays" external collaborator.
// It is fed directly off the event bus rather than through the registry,
// the same way lag_monitor.go observes long-frame events.
type MatchHistory struct {
	db       *Database
	eventBus *events.EventBus

	mu   sync.Mutex
	open map[uint16]openMatch // port -> match awaiting a close event
}

type openMatch struct {
	matchID   uint32
	mapName   string
	mode      string
	startedAt time.Time
}

// MatchRecord is a single completed match as stored in the matches table.
type MatchRecord struct {
	ID        int64     `json:"id"`
	Port      uint16    `json:"port"`
	MatchID   uint32    `json:"match_id"`
	MapName   string    `json:"map_name"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Duration  int64     `json:"duration_sec"`
}

// NewMatchHistory opens/migrates the matches table and subscribes to the
// lobby lifecycle events that mark a match's start and end.
func NewMatchHistory(database *Database, eventBus *events.EventBus) (*MatchHistory, error) {
	mh := &MatchHistory{
		db:       database,
		eventBus: eventBus,
		open:     make(map[uint16]openMatch),
	}

	if err := mh.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate matches table: %w", err)
	}

	eventBus.Subscribe(events.EventLobbyCreated, "matches.started", mh.onLobbyCreated)
	eventBus.Subscribe(events.EventLobbyClosed, "matches.ended", mh.onLobbyClosed)

	return mh, nil
}

func (mh *MatchHistory) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			port INTEGER NOT NULL,
			match_id INTEGER NOT NULL,
			map_name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			duration_sec INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_matches_port ON matches(port);
		CREATE INDEX IF NOT EXISTS idx_matches_match_id ON matches(match_id);
	`
	_, err := mh.db.Exec(schema)
	return err
}

// onLobbyCreated records the start of a match.
func (mh *MatchHistory) onLobbyCreated(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.LobbyCreatedPayload)
	if !ok {
		return nil
	}

	started := time.Now()
	mh.mu.Lock()
	mh.open[payload.Port] = openMatch{
		matchID:   payload.MatchID,
		mapName:   payload.MapName,
		mode:      payload.Mode,
		startedAt: started,
	}
	mh.mu.Unlock()

	_, err := mh.db.Exec(
		"INSERT INTO matches (port, match_id, map_name, mode, started_at) VALUES (?, ?, ?, ?, ?)",
		payload.Port, payload.MatchID, payload.MapName, payload.Mode, started,
	)
	return err
}

// onLobbyClosed records the end of a match and its duration. EventLobbyClosed
// only carries the port (see Manager.onLobbyClosed), so the match id and
// start time come from the in-memory open-match table recorded at lobby
// creation.
func (mh *MatchHistory) onLobbyClosed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerAnnouncePayload)
	if !ok {
		return nil
	}

	mh.mu.Lock()
	m, ok := mh.open[payload.Port]
	if ok {
		delete(mh.open, payload.Port)
	}
	mh.mu.Unlock()

	if !ok {
		// Closed with no matching open record (e.g. manager restarted
		// mid-match); nothing to update.
		return nil
	}

	ended := time.Now()
	duration := int64(ended.Sub(m.startedAt).Seconds())

	_, err := mh.db.Exec(
		`UPDATE matches SET ended_at = ?, duration_sec = ?
		 WHERE port = ? AND match_id = ? AND ended_at IS NULL`,
		ended, duration, payload.Port, m.matchID,
	)
	return err
}

// GetRecentMatches returns the most recently completed matches, newest first.
func (mh *MatchHistory) GetRecentMatches(limit int) ([]MatchRecord, error) {
	rows, err := mh.db.Query(
		`SELECT id, port, match_id, map_name, mode, started_at, ended_at, duration_sec
		 FROM matches WHERE ended_at IS NOT NULL
		 ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var r MatchRecord
		var endedAt sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Port, &r.MatchID, &r.MapName, &r.Mode, &r.StartedAt, &endedAt, &duration); err != nil {
			continue
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		if duration.Valid {
			r.Duration = duration.Int64
		}
		out = append(out, r)
	}
	return out, nil
}
