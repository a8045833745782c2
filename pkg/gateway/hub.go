// Package gateway is the realtime layer over case message threads: websocket
// sockets grouped per case, Redis fanout between instances, receipts, read
// positions and unread counts.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/observability"
)

// Server-to-client event types.
const (
	EventMessageCreated = "MESSAGE_CREATED"
	EventMessageAck     = "MESSAGE_ACK"
	EventMessageReceipt = "MESSAGE_RECEIPT"
	EventUnreadDelta    = "UNREAD_DELTA"
	EventUnreadReset    = "UNREAD_RESET"
	EventTypingUpdate   = "TYPING_UPDATE"
	EventPresenceUpdate = "PRESENCE_UPDATE"
	EventError          = "ERROR"
)

// Client-to-server event types.
const (
	EventTypingStart    = "TYPING_START"
	EventTypingStop     = "TYPING_STOP"
	EventDeliveredBatch = "MESSAGE_DELIVERED_BATCH"
	EventSeenBatch      = "MESSAGE_SEEN_BATCH"
	EventReadUpTo       = "CASE_READ_UP_TO"
)

// socket is one connected websocket, pinned to a single case.
type socket struct {
	id        string
	caseID    string
	principal *auth.Principal
	conn      *websocket.Conn

	// Serializes writes; gorilla connections allow one concurrent writer.
	writeMu sync.Mutex

	// Typing relays are throttled per socket, not per case.
	typing *rate.Limiter
}

func (s *socket) send(ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// Hub tracks live sockets per case and fans events out to them. Cross-
// instance delivery goes through the Bus; the hub only ever touches local
// connections.
type Hub struct {
	mu          sync.RWMutex
	caseSockets map[string]map[string]*socket

	typingInterval time.Duration
}

func NewHub(typingInterval time.Duration) *Hub {
	if typingInterval <= 0 {
		typingInterval = 300 * time.Millisecond
	}
	return &Hub{
		caseSockets:    make(map[string]map[string]*socket),
		typingInterval: typingInterval,
	}
}

// register adds the socket and reports whether it opened the first local
// connection for its case, which is the caller's cue to join the case's bus
// channel.
func (h *Hub) register(s *socket) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sockets, ok := h.caseSockets[s.caseID]
	if !ok {
		sockets = make(map[string]*socket)
		h.caseSockets[s.caseID] = sockets
	}
	sockets[s.id] = s
	observability.GatewayConnects.Add(context.Background(), 1)
	return !ok
}

// unregister removes the socket and reports whether the case now has no
// local connections left.
func (h *Hub) unregister(s *socket) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sockets, ok := h.caseSockets[s.caseID]
	if !ok {
		return false
	}
	delete(sockets, s.id)
	if len(sockets) == 0 {
		delete(h.caseSockets, s.caseID)
		return true
	}
	return false
}

// fanout delivers the event to local sockets on the case. skipSocketID and
// onlyUserID narrow the audience; empty values mean no restriction.
func (h *Hub) fanout(ev Event, skipSocketID, onlyUserID, skipUserID string) {
	h.mu.RLock()
	targets := make([]*socket, 0)
	for _, s := range h.caseSockets[ev.CaseID] {
		if skipSocketID != "" && s.id == skipSocketID {
			continue
		}
		if onlyUserID != "" && s.principal.UserID != onlyUserID {
			continue
		}
		if skipUserID != "" && s.principal.UserID == skipUserID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		// A failed write is the reader loop's problem; it will close the socket.
		_ = s.send(ev)
	}
	if len(targets) > 0 {
		observability.GatewayFanouts.Add(context.Background(), int64(len(targets)))
	}
}

// Broadcast delivers to every local socket on the case.
func (h *Hub) Broadcast(ev Event) {
	h.fanout(ev, "", "", "")
}

// presentUserIDs lists distinct users with at least one live socket on the
// case.
func (h *Hub) presentUserIDs(caseID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range h.caseSockets[caseID] {
		if _, ok := seen[s.principal.UserID]; ok {
			continue
		}
		seen[s.principal.UserID] = struct{}{}
		out = append(out, s.principal.UserID)
	}
	return out
}
