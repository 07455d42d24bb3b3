package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/energizer/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is the JSON frame pushed to subscribers of /ws/events.
type wsEnvelope struct {
	Type       events.EventType `json:"type"`
	Source     string           `json:"source"`
	InstanceID int              `json:"instance_id"`
	Payload    interface{}      `json:"payload"`
}

// handleEventStream upgrades the connection to a websocket and relays every
// event emitted on the bus to the client as JSON, until the client
// disconnects or the server shuts down. Dashboard clients use this instead
// of polling /monitor/get_instances_status on a timer.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := newWSSubscriber(s.eventBus, 32)
	defer sub.close()

	// A dropped client only surfaces on write or on a failed read of its
	// (unused) control frames, so a reader goroutine is required to notice
	// it promptly and unblock the writer below.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.events:
			if !ok {
				return
			}
			env := wsEnvelope{
				Type:       event.Type,
				Source:     event.Source,
				InstanceID: event.InstanceID,
				Payload:    event.Payload,
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Warn().Err(err).Str("event", string(event.Type)).Msg("failed to marshal event for websocket")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// wsSubscriber bridges the EventBus's handler-callback model to a channel a
// websocket handler can select on. Each connection gets its own subscriber
// registered under a unique handler name so Unsubscribe never races another
// connection's.
type wsSubscriber struct {
	bus    *events.EventBus
	name   string
	events chan events.Event
}

var (
	wsSubscriberMu  sync.Mutex
	wsSubscriberSeq uint64
)

func nextWSSubscriberName() string {
	wsSubscriberMu.Lock()
	defer wsSubscriberMu.Unlock()
	wsSubscriberSeq++
	return fmt.Sprintf("ws-%d", wsSubscriberSeq)
}

func newWSSubscriber(bus *events.EventBus, buffer int) *wsSubscriber {
	sub := &wsSubscriber{
		bus:    bus,
		name:   nextWSSubscriberName(),
		events: make(chan events.Event, buffer),
	}

	for _, t := range wsRelayedEventTypes {
		t := t
		bus.Subscribe(t, sub.name, func(ctx context.Context, event events.Event) error {
			select {
			case sub.events <- event:
			default:
				log.Warn().Str("event", string(event.Type)).Msg("websocket subscriber slow, dropping event")
			}
			return nil
		})
	}

	return sub
}

func (s *wsSubscriber) close() {
	for _, t := range wsRelayedEventTypes {
		s.bus.Unsubscribe(t, s.name)
	}
	close(s.events)
}

// wsRelayedEventTypes lists the events pushed to dashboard subscribers. This
// is a subset of all EventBus traffic — internal command events like
// EventStartGameServers stay server-side.
var wsRelayedEventTypes = []events.EventType{
	events.EventServerAnnounce,
	events.EventServerClosed,
	events.EventServerStatus,
	events.EventLongFrame,
	events.EventLobbyCreated,
	events.EventLobbyClosed,
	events.EventPlayerConnection,
	events.EventReplayStatus,
	events.EventConfigChanged,
}
