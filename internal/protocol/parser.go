package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/energizer/internal/events"
)

// GameManagerParser parses binary packets from the Game Server <-> Manager protocol.
type GameManagerParser struct {
	logger zerolog.Logger
}

// NewGameManagerParser creates a new parser for game-manager protocol.
func NewGameManagerParser() *GameManagerParser {
	return &GameManagerParser{
		logger: log.With().Str("component", "gm_parser").Logger(),
	}
}

// ReadPacket reads a single length-prefixed packet from a reader.
// Packet format: [2-byte LE length][payload bytes...]
// Returns the raw packet bytes (excluding length prefix).
func ReadPacket(r io.Reader) ([]byte, error) {
	// Read 2-byte length prefix
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read packet length: %w", err)
	}

	if length == 0 {
		return nil, fmt.Errorf("received zero-length packet")
	}

	if length > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (max %d)", length, MaxPacketSize)
	}

	// Read payload
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read packet payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WritePacket writes a length-prefixed packet to a writer.
func WritePacket(w io.Writer, data []byte) error {
	length := uint16(len(data))
	if err := binary.Write(w, binary.LittleEndian, length); err != nil {
		return fmt.Errorf("failed to write packet length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write packet data: %w", err)
	}
	return nil
}

// Parse processes a raw packet and returns a structured event. sessionPort
// is the port bound to this connection by its initial 0x40 announce; the
// 0x42 status packet carries no port of its own (the session already
// identifies the server), so the caller supplies it.
func (p *GameManagerParser) Parse(data []byte, sessionPort uint16) (*events.Event, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty packet")
	}

	cmd := data[0]
	payload := data[1:]
	reader := bytes.NewReader(payload)

	switch cmd {
	case PktServerAnnounce:
		return p.parseServerAnnounce(reader)
	case PktServerClosed:
		return p.parseServerClosed(reader)
	case PktServerStatus:
		return p.parseServerStatus(reader, sessionPort)
	case PktLongFrame:
		return p.parseLongFrame(reader)
	case PktLobbyCreated:
		return p.parseLobbyCreated(reader)
	case PktLobbyClosed:
		return p.parseLobbyClosed(reader)
	case PktPlayerConnection:
		return p.parsePlayerConnection(reader)
	case PktCowMasterResponse:
		return p.parseCowMasterResponse(reader)
	case PktReplayStatus:
		return p.parseReplayStatus(reader)
	default:
		p.logger.Warn().
			Uint8("command", cmd).
			Int("payload_len", len(payload)).
			Msg("unknown packet command")
		return nil, fmt.Errorf("unknown command: 0x%02X", cmd)
	}
}

// parseServerAnnounce handles packet 0x40: server hello with port.
func (p *GameManagerParser) parseServerAnnounce(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse server announce: %w", err)
	}

	p.logger.Debug().Uint16("port", port).Msg("server announce")

	return &events.Event{
		Type:   events.EventServerAnnounce,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.ServerAnnouncePayload{
			Port: port,
		},
	}, nil
}

// parseServerClosed handles packet 0x41: server shutting down.
func (p *GameManagerParser) parseServerClosed(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse server closed: %w", err)
	}

	p.logger.Info().Uint16("port", port).Msg("server closed")

	return &events.Event{
		Type:   events.EventServerClosed,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.ServerAnnouncePayload{
			Port: port,
		},
	}, nil
}

// parseServerStatus handles packet 0x42: server telemetry.
//
// The payload (command byte already stripped by Parse) is a fixed
// StatusPreambleSize-byte preamble followed by an optional player roster
// tail. The preamble carries no port: the 0x42 frame is byte-exact with the
// tag itself at offset 0, so offsets below (named relative to the tag) land
// one lower once the tag is stripped from the payload:
//
//	uptime:        [offUptime:offUptime+4]  (tag offset [2:6))
//	load:          [offLoad:offLoad+4]      raw uint32, actual load is value/100
//	num_clients:   [offNumClients]          (tag offset [10])
//	match_started: [offMatchStarted]        (tag offset [11])
//	game_phase:    [offGamePhase]           (tag offset [40])
//	roster tail:   [StatusPreambleSize:]    optional, see roster.go
func (p *GameManagerParser) parseServerStatus(r *bytes.Reader, sessionPort uint16) (*events.Event, error) {
	preamble := make([]byte, StatusPreambleSize)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, fmt.Errorf("failed to parse status preamble: %w", err)
	}

	uptime := binary.LittleEndian.Uint32(preamble[offUptime : offUptime+4])
	rawLoad := binary.LittleEndian.Uint32(preamble[offLoad : offLoad+4])
	numClients := preamble[offNumClients]
	matchStarted := preamble[offMatchStarted] != 0
	gamePhase := preamble[offGamePhase]

	roster := parseRosterTail(r)

	p.logger.Trace().
		Uint16("port", sessionPort).
		Uint32("uptime", uptime).
		Uint8("clients", numClients).
		Uint8("phase", gamePhase).
		Int("roster", len(roster)).
		Msg("server status")

	return &events.Event{
		Type:   events.EventServerStatus,
		Source: fmt.Sprintf("game_server:%d", sessionPort),
		Payload: events.ServerStatusPayload{
			Port:         sessionPort,
			Uptime:       uptime,
			Load:         float64(rawLoad) / 100,
			NumClients:   numClients,
			MatchStarted: matchStarted,
			GamePhase:    events.GamePhase(gamePhase),
			Roster:       roster,
		},
	}, nil
}

// parseLongFrame handles packet 0x43: lag detection.
func (p *GameManagerParser) parseLongFrame(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	var duration uint32

	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse long frame port: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &duration); err != nil {
		return nil, fmt.Errorf("failed to parse long frame duration: %w", err)
	}

	p.logger.Warn().
		Uint16("port", port).
		Uint32("duration_ms", duration).
		Msg("long frame detected")

	return &events.Event{
		Type:   events.EventLongFrame,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.LongFramePayload{
			Port:          port,
			FrameDuration: duration,
		},
	}, nil
}

// parseLobbyCreated handles packet 0x44: match lobby created.
func (p *GameManagerParser) parseLobbyCreated(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	var matchID uint32

	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse lobby port: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &matchID); err != nil {
		return nil, fmt.Errorf("failed to parse lobby match id: %w", err)
	}

	mapName, _ := readString(r)
	mode, _ := readString(r)

	p.logger.Info().
		Uint16("port", port).
		Uint32("match_id", matchID).
		Str("map", mapName).
		Str("mode", mode).
		Msg("lobby created")

	return &events.Event{
		Type:   events.EventLobbyCreated,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.LobbyCreatedPayload{
			Port:    port,
			MatchID: matchID,
			MapName: mapName,
			Mode:    mode,
		},
	}, nil
}

// parseLobbyClosed handles packet 0x45: lobby closed.
func (p *GameManagerParser) parseLobbyClosed(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse lobby closed port: %w", err)
	}

	p.logger.Info().Uint16("port", port).Msg("lobby closed")

	return &events.Event{
		Type:   events.EventLobbyClosed,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.ServerAnnouncePayload{Port: port},
	}, nil
}

// parsePlayerConnection handles packet 0x47: player connect/disconnect.
func (p *GameManagerParser) parsePlayerConnection(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	var playerID uint32
	var connected uint8

	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse player connection port: %w", err)
	}

	playerName, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse player name: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &playerID); err != nil {
		return nil, fmt.Errorf("failed to parse player id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &connected); err != nil {
		return nil, fmt.Errorf("failed to parse connected flag: %w", err)
	}

	p.logger.Info().
		Uint16("port", port).
		Str("player", playerName).
		Uint32("player_id", playerID).
		Bool("connected", connected == 1).
		Msg("player connection event")

	return &events.Event{
		Type:   events.EventPlayerConnection,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.PlayerConnectionPayload{
			Port:       port,
			PlayerName: playerName,
			PlayerID:   playerID,
			Connected:  connected == 1,
		},
	}, nil
}

// parseCowMasterResponse handles packet 0x49: fork response.
func (p *GameManagerParser) parseCowMasterResponse(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	var success uint8
	var pid int32

	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse cowmaster port: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &success); err != nil {
		return nil, fmt.Errorf("failed to parse cowmaster success: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &pid); err != nil {
		return nil, fmt.Errorf("failed to parse cowmaster pid: %w", err)
	}

	p.logger.Info().
		Uint16("port", port).
		Bool("success", success == 1).
		Int32("pid", pid).
		Msg("cowmaster fork response")

	return &events.Event{
		Type:   events.EventCowMasterResponse,
		Source: "cowmaster",
		Payload: events.CowMasterResponsePayload{
			Port:    port,
			Success: success == 1,
			PID:     int(pid),
		},
	}, nil
}

// parseReplayStatus handles packet 0x4A: replay upload status.
func (p *GameManagerParser) parseReplayStatus(r *bytes.Reader) (*events.Event, error) {
	var port uint16
	var matchID uint32
	var status uint8

	if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
		return nil, fmt.Errorf("failed to parse replay port: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &matchID); err != nil {
		return nil, fmt.Errorf("failed to parse replay match id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &status); err != nil {
		return nil, fmt.Errorf("failed to parse replay status: %w", err)
	}

	p.logger.Debug().
		Uint16("port", port).
		Uint32("match_id", matchID).
		Uint8("status", status).
		Msg("replay status update")

	return &events.Event{
		Type:   events.EventReplayStatus,
		Source: fmt.Sprintf("game_server:%d", port),
		Payload: events.ReplayStatusPayload{
			Port:    port,
			MatchID: matchID,
			Status:  events.ReplayStatus(status),
		},
	}, nil
}

// readString reads a length-prefixed string from a reader and trims any
// trailing NUL bytes from it.
// Format: [length:1][string bytes...]
func readString(r *bytes.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}

	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	// Trim null bytes
	return string(bytes.TrimRight(buf, "\x00")), nil
}
