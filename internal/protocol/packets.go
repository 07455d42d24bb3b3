// Package protocol implements the binary protocol parsers and builders
// for communication between Energizer and HoN game servers, chat servers,
// and the master server. All packets use little-endian byte order with
// a 2-byte length prefix.
package protocol

// Packet command bytes for Game Server <-> Manager communication.
const (
	// Incoming from game server
	PktServerAnnounce    byte = 0x40 // Server hello with port
	PktServerClosed      byte = 0x41 // Server shutting down
	PktServerStatus      byte = 0x42 // Telemetry: uptime, load, players, phase, roster tail
	PktLongFrame         byte = 0x43 // Lag / long frame detection
	PktLobbyCreated      byte = 0x44 // Match lobby created (matchID, map, mode)
	PktLobbyClosed       byte = 0x45 // Match lobby closed
	PktPlayerConnection  byte = 0x47 // Player connected/disconnected
	PktCowMasterResponse byte = 0x49 // CowMaster fork response
	PktReplayStatus      byte = 0x4A // Replay upload status update

	// Outgoing to game server over the bound control session
	PktManagerShutdown byte = 0x22 // Request graceful shutdown
	PktManagerBroadcast byte = 0x24 // Broadcast an in-game message
	PktManagerConsole  byte = 0x25 // Run a console command
)

// Chat server protocol command bytes (Manager <-> Chat Server).
const (
	PktChatHandshake    uint16 = 0x1600 // Handshake with session + server ID
	PktChatServerInfo   uint16 = 0x1602 // Server info (region, IP, name, version, ...)
	PktChatReplayStatus uint16 = 0x1603 // Replay status update to chat server
	PktChatShutdown     uint16 = 0x0400 // Shutdown notice
	PktChatKeepAlive    uint16 = 0x0200 // Keepalive heartbeat
	PktChatReplayReq    uint16 = 0x1704 // Replay request from player
)

// MaxPacketSize is the maximum allowed size for a single packet.
const MaxPacketSize = 65535

// LengthPrefixSize is the size of the length prefix in bytes.
const LengthPrefixSize = 2

// StatusPreambleSize is the fixed-width header of a 0x42 status packet
// (54 bytes counting the tag), before the optional player roster tail.
// It is read from the payload with the tag already stripped, so it spans
// 53 bytes here; the roster tail's count byte immediately follows it.
const StatusPreambleSize = 53

// Byte offsets within the 0x42 status preamble, relative to the start of
// the payload with the command byte already stripped (one less than the
// tag-relative offsets the wire format is documented against).
const (
	offUptime       = 1
	offLoad         = 5
	offNumClients   = 9
	offMatchStarted = 10
	offGamePhase    = 39
)

// Packet represents a raw binary packet with command and payload.
type Packet struct {
	Command byte
	Payload []byte
}

// ChatPacket represents a chat server protocol packet with a 2-byte command.
type ChatPacket struct {
	Command uint16
	Payload []byte
}

// AutoPingMagicByte is the magic byte used in UDP auto-ping probes.
const AutoPingMagicByte byte = 0xCA
