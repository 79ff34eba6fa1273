package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2pswap/backend/internal/events"
)

// writeWait bounds a single fan-out write so one stalled client cannot hold
// the hub for everyone else.
const writeWait = 5 * time.Second

// wsConn is what the hub needs from a subscriber connection.
// *websocket.Conn satisfies it.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSHub fans trade snapshots out to the subscribers watching each trade.
// Delivery is fire-and-forget: a slow or failed write evicts that subscriber
// and nothing else; a reconnecting client fetches the authoritative snapshot
// over the REST API rather than relying on having seen every notification.
type WSHub struct {
	subscriber events.Subscriber
	log        *zap.Logger

	mu          sync.Mutex
	connections map[uuid.UUID][]wsConn
}

func NewWSHub(subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]wsConn),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	_ = h.subscriber.Subscribe(ctx, events.StreamTrade, func(event events.Event) {
		if event.Type == events.EventTradeUpdate {
			h.broadcast(event)
		}
	})
}

// tradeUpdateMessage is the wire format delivered to subscribers.
type tradeUpdateMessage struct {
	Type  string `json:"type"`
	Trade any    `json:"trade"`
}

func (h *WSHub) broadcast(event events.Event) {
	rawID, _ := event.Payload["trade_id"].(string)
	tradeID, err := uuid.Parse(rawID)
	if err != nil {
		h.log.Warn("trade update without usable trade_id", zap.String("trade_id", rawID))
		return
	}

	data, err := json.Marshal(tradeUpdateMessage{
		Type:  events.EventTradeUpdate,
		Trade: event.Payload["trade"],
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.connections[tradeID]
	alive := conns[:0]
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	if len(alive) == 0 {
		delete(h.connections, tradeID)
	} else {
		h.connections[tradeID] = alive
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) register(tradeID uuid.UUID, conn wsConn) {
	h.mu.Lock()
	h.connections[tradeID] = append(h.connections[tradeID], conn)
	h.mu.Unlock()
}

func (h *WSHub) unregister(tradeID uuid.UUID, conn wsConn) {
	h.mu.Lock()
	conns := h.connections[tradeID]
	for i, c := range conns {
		if c == conn {
			h.connections[tradeID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[tradeID]) == 0 {
		delete(h.connections, tradeID)
	}
	h.mu.Unlock()
}

// HandleWS registers the connection under the trade id it watches and holds
// it open until the client goes away.
func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tradeID, err := uuid.Parse(conn.Params("id"))
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid trade id"}`))
		conn.Close()
		return
	}

	h.register(tradeID, conn)
	defer func() {
		h.unregister(tradeID, conn)
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
