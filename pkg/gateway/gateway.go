package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/projection"
)

// clientFrame is what sockets send upward.
type clientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Gateway composes the hub, the bus and the stores into the realtime
// surface.
type Gateway struct {
	db         *database.DB
	hub        *Hub
	bus        *Bus
	store      *MessageStore
	projection *projection.Store
	verifier   *auth.Verifier
	upgrader   websocket.Upgrader
	instanceID string
}

func New(db *database.DB, redisClient *redis.Client, proj *projection.Store, verifier *auth.Verifier, typingInterval time.Duration) *Gateway {
	g := &Gateway{
		db:         db,
		hub:        NewHub(typingInterval),
		store:      NewMessageStore(),
		projection: proj,
		verifier:   verifier,
		instanceID: clock.NewID(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients authenticate with a bearer token, not cookies, so
			// cross-origin upgrades carry no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.bus = NewBus(redisClient, g.instanceID, func(ev Event, onlyUserID, skipUserID string) {
		g.hub.fanout(ev, "", onlyUserID, skipUserID)
	})
	return g
}

// Start begins consuming cross-instance frames.
func (g *Gateway) Start(ctx context.Context) {
	g.bus.Start(ctx)
}

// Stop detaches from the bus. Open sockets close when the HTTP server
// drains.
func (g *Gateway) Stop() {
	g.bus.Stop()
}

// HandleSocket upgrades the request and services the socket until it closes.
// caseID must already be tenant-checked by the caller.
func (g *Gateway) HandleSocket(w http.ResponseWriter, r *http.Request, caseID string) {
	p, err := g.verifier.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := g.projection.GetCase(r.Context(), g.db, p.TenantID, caseID); err != nil {
		http.Error(w, "case not found", http.StatusNotFound)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &socket{
		id:        clock.NewID(),
		caseID:    caseID,
		principal: p,
		conn:      conn,
		typing:    rate.NewLimiter(rate.Every(g.hub.typingInterval), 1),
	}
	if g.hub.register(s) {
		if err := g.bus.SubscribeCase(r.Context(), caseID); err != nil {
			slog.Warn("case channel subscribe failed", "case", caseID, "error", err)
		}
	}
	g.announce(r.Context(), s, true)
	slog.Info("socket connected", "case", caseID, "user", p.UserID, "socket", s.id)

	defer func() {
		// A socket that vanishes mid-keystroke must not leave the user shown
		// as typing forever.
		if err := g.relayTyping(context.Background(), s, false); err != nil {
			slog.Warn("typing clear failed", "case", caseID, "error", err)
		}
		if g.hub.unregister(s) {
			if err := g.bus.UnsubscribeCase(context.Background(), caseID); err != nil {
				slog.Warn("case channel unsubscribe failed", "case", caseID, "error", err)
			}
		}
		g.announce(context.Background(), s, false)
		_ = conn.Close()
		slog.Info("socket disconnected", "case", caseID, "socket", s.id)
	}()

	g.readLoop(r.Context(), s)
}

func (g *Gateway) announce(ctx context.Context, s *socket, present bool) {
	payload, _ := json.Marshal(map[string]any{
		"userId":         s.principal.UserID,
		"present":        present,
		"presentUserIds": g.hub.presentUserIDs(s.caseID),
	})
	ev := Event{Type: EventPresenceUpdate, CaseID: s.caseID, Payload: payload}
	g.hub.fanout(ev, s.id, "", "")
	if err := g.bus.Publish(ctx, ev, "", ""); err != nil {
		slog.Warn("presence publish failed", "error", err)
	}
}

func (g *Gateway) readLoop(ctx context.Context, s *socket) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("socket read ended", "socket", s.id, "error", err)
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.sendError(s, domain.E("INVALID_CLIENT_FRAME", "frame is not valid JSON"))
			continue
		}
		if err := g.handleFrame(ctx, s, frame); err != nil {
			g.sendError(s, err)
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, s *socket, frame clientFrame) error {
	switch frame.Type {
	case EventTypingStart:
		if !s.typing.Allow() {
			return nil
		}
		return g.relayTyping(ctx, s, true)
	case EventTypingStop:
		return g.relayTyping(ctx, s, false)
	case EventDeliveredBatch:
		return g.handleReceipts(ctx, s, frame.Payload, false)
	case EventSeenBatch:
		return g.handleReceipts(ctx, s, frame.Payload, true)
	case EventReadUpTo:
		return g.handleReadUpTo(ctx, s, frame.Payload)
	default:
		return domain.E("UNKNOWN_CLIENT_EVENT", "event type %q is not supported", frame.Type)
	}
}

func (g *Gateway) relayTyping(ctx context.Context, s *socket, isTyping bool) error {
	payload, _ := json.Marshal(map[string]any{
		"userId":   s.principal.UserID,
		"isTyping": isTyping,
	})
	ev := Event{Type: EventTypingUpdate, CaseID: s.caseID, Payload: payload}
	g.hub.fanout(ev, "", "", s.principal.UserID)
	return g.bus.Publish(ctx, ev, "", s.principal.UserID)
}

type receiptBatch struct {
	MessageIDs []string `json:"messageIds"`
}

func (g *Gateway) handleReceipts(ctx context.Context, s *socket, payload json.RawMessage, seen bool) error {
	var batch receiptBatch
	if err := json.Unmarshal(payload, &batch); err != nil || len(batch.MessageIDs) == 0 {
		return domain.E("INVALID_RECEIPT_BATCH", "messageIds must be a non-empty array")
	}
	now := time.Now().UTC()
	kind := "DELIVERED"
	if seen {
		kind = "SEEN"
		if err := g.store.MarkSeen(ctx, g.db, s.principal.TenantID, s.caseID,
			s.principal.UserID, batch.MessageIDs, now); err != nil {
			return err
		}
	} else if err := g.store.MarkDelivered(ctx, g.db, s.principal.TenantID, s.caseID,
		s.principal.UserID, batch.MessageIDs, now); err != nil {
		return err
	}

	// Authors watch receipts land; the acknowledging user already knows.
	receipt, _ := json.Marshal(map[string]any{
		"userId":     s.principal.UserID,
		"messageIds": batch.MessageIDs,
		"kind":       kind,
	})
	ev := Event{Type: EventMessageReceipt, CaseID: s.caseID, Payload: receipt}
	g.hub.fanout(ev, "", "", s.principal.UserID)
	return g.bus.Publish(ctx, ev, "", s.principal.UserID)
}

type readUpTo struct {
	MessageID string `json:"messageId"`
}

func (g *Gateway) handleReadUpTo(ctx context.Context, s *socket, payload json.RawMessage) error {
	var req readUpTo
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" {
		return domain.E("INVALID_READ_POSITION", "messageId is required")
	}
	err := g.store.SetReadPosition(ctx, g.db, s.principal.TenantID, s.caseID,
		s.principal.UserID, req.MessageID, time.Now().UTC())
	if err != nil {
		return err
	}

	// Reset goes to the origin socket only; the user's other tabs keep their
	// own counters until they read.
	resetPayload, _ := json.Marshal(map[string]any{"caseId": s.caseID, "unread": 0})
	return s.send(Event{Type: EventUnreadReset, CaseID: s.caseID, Payload: resetPayload})
}

func (g *Gateway) sendError(s *socket, err error) {
	payload, _ := json.Marshal(map[string]string{
		"code":    domain.Code(err),
		"message": err.Error(),
	})
	_ = s.send(Event{Type: EventError, CaseID: s.caseID, Payload: payload})
}

// PublishMessage persists a message and fans it out: MESSAGE_CREATED to
// everyone, UNREAD_DELTA to everyone but the author, MESSAGE_ACK to the
// author alone.
func (g *Gateway) PublishMessage(ctx context.Context, tenantID, caseID, authorUserID, body, clientMutationID string) (*Message, error) {
	if body == "" {
		return nil, domain.E("EMPTY_MESSAGE", "message body is required")
	}
	if _, err := g.projection.GetCase(ctx, g.db, tenantID, caseID); err != nil {
		return nil, err
	}

	m := &Message{
		ID:               clock.NewID(),
		TenantID:         tenantID,
		CaseID:           caseID,
		AuthorUserID:     authorUserID,
		Body:             body,
		ClientMutationID: clientMutationID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.store.Insert(ctx, g.db, m); err != nil {
		return nil, err
	}

	created, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal message: %w", err)
	}
	ev := Event{Type: EventMessageCreated, CaseID: caseID, Payload: created}
	g.hub.fanout(ev, "", "", "")
	if err := g.bus.Publish(ctx, ev, "", ""); err != nil {
		slog.Warn("message publish failed", "case", caseID, "error", err)
	}

	delta, _ := json.Marshal(map[string]any{"caseId": caseID, "delta": 1})
	deltaEv := Event{Type: EventUnreadDelta, CaseID: caseID, Payload: delta}
	g.hub.fanout(deltaEv, "", "", authorUserID)
	if err := g.bus.Publish(ctx, deltaEv, "", authorUserID); err != nil {
		slog.Warn("unread delta publish failed", "case", caseID, "error", err)
	}

	ack, _ := json.Marshal(map[string]string{
		"messageId":        m.ID,
		"clientMutationId": clientMutationID,
	})
	ackEv := Event{Type: EventMessageAck, CaseID: caseID, Payload: ack}
	g.hub.fanout(ackEv, "", authorUserID, "")
	if err := g.bus.Publish(ctx, ackEv, authorUserID, ""); err != nil {
		slog.Warn("ack publish failed", "case", caseID, "error", err)
	}

	return m, nil
}

// ListMessages pages through a case's history. Pages walk backward in time
// while each page reads in ascending order.
func (g *Gateway) ListMessages(ctx context.Context, tenantID, caseID, cursorStr string, limit int) (*MessagePage, error) {
	if _, err := g.projection.GetCase(ctx, g.db, tenantID, caseID); err != nil {
		return nil, err
	}
	cursor, err := DecodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	return g.store.ListPage(ctx, g.db, tenantID, caseID, cursor, limit)
}

// UnreadCount returns the user's unread total for the case.
func (g *Gateway) UnreadCount(ctx context.Context, tenantID, caseID, userID string) (int64, error) {
	if _, err := g.projection.GetCase(ctx, g.db, tenantID, caseID); err != nil {
		return 0, err
	}
	return g.store.UnreadCount(ctx, g.db, tenantID, caseID, userID)
}
