package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/core/hub"
	"github.com/rl1809/orderflow/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096

	msgAuth          = "auth"
	msgJoinOrderRoom = "join_order_room"
	msgConnected     = "connected"
	msgJoined        = "joined"
	msgError         = "error"
)

type WSOptions struct {
	HandshakeTimeout time.Duration
	MsgRate          float64
	MsgBurst         int
}

// WSHandler serves the realtime channel. Clients authenticate either with a
// bearer token on the upgrade request or with an auth message sent first.
type WSHandler struct {
	hub      *hub.Hub
	opts     WSOptions
	upgrader websocket.Upgrader
	log      *logging.Logger
}

type clientMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

func NewWSHandler(h *hub.Hub, opts WSOptions, log *logging.Logger) *WSHandler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MsgRate <= 0 {
		opts.MsgRate = 5
	}
	if opts.MsgBurst <= 0 {
		opts.MsgBurst = 10
	}
	return &WSHandler{
		hub:  h,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// keeps correlation values, drops the request's cancellation
	ctx := context.WithoutCancel(r.Context())
	log := h.log.Ctx(ctx)

	var conn *hub.Conn
	if token := bearerToken(r); token != "" {
		c, err := h.hub.Connect(ctx, token)
		if err != nil {
			status, msg := httpStatus(err)
			if errors.Is(err, domain.ErrHubClosed) {
				status, msg = http.StatusServiceUnavailable, "shutting down"
			}
			http.Error(w, msg, status)
			return
		}
		conn = c
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if conn != nil {
			h.hub.Unregister(conn)
		}
		log.Warn("websocket upgrade failed", map[string]any{"err": err})
		return
	}
	defer ws.Close()

	if conn == nil {
		conn, err = h.handshake(ctx, ws)
		if err != nil {
			closeWith(ws, websocket.ClosePolicyViolation, "authentication failed")
			return
		}
	}
	log = log.With(map[string]any{"conn_id": conn.ID, "user_id": conn.UserID})
	log.Info("realtime client connected", nil)

	replies := make(chan []byte, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, conn, replies)
	}()

	reply(replies, msgConnected, map[string]string{"userId": conn.UserID})
	h.readPump(ctx, ws, conn, replies, log)

	h.hub.Unregister(conn)
	<-writerDone
	log.Info("realtime client disconnected", nil)
}

// handshake waits for the first message to carry a token.
func (h *WSHandler) handshake(ctx context.Context, ws *websocket.Conn) (*hub.Conn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	var msg clientMessage
	if err := ws.ReadJSON(&msg); err != nil {
		return nil, domain.ErrAuthentication
	}
	if msg.Type != msgAuth {
		return nil, domain.ErrAuthentication
	}
	_ = ws.SetReadDeadline(time.Time{})
	return h.hub.Connect(ctx, msg.Token)
}

func (h *WSHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *hub.Conn, replies chan<- []byte, log *logging.Logger) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// every frame counts against the limiter, malformed ones included; a
	// limited streak gets a single notice
	limiter := rate.NewLimiter(rate.Limit(h.opts.MsgRate), h.opts.MsgBurst)
	limited := false
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("realtime read ended", map[string]any{"err": err})
			}
			return
		}
		if !limiter.Allow() {
			if !limited {
				limited = true
				reply(replies, msgError, map[string]string{"error": "rate limited"})
			}
			continue
		}
		limited = false

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply(replies, msgError, map[string]string{"error": "malformed message"})
			continue
		}

		switch msg.Type {
		case msgJoinOrderRoom:
			if err := h.hub.JoinOrderRoom(ctx, conn, msg.OrderID); err != nil {
				if !errors.Is(err, domain.ErrAuthorization) {
					log.Warn("join order room failed", map[string]any{"order_id": msg.OrderID, "err": err})
				}
				reply(replies, msgError, map[string]string{"error": "not authorized"})
				continue
			}
			reply(replies, msgJoined, map[string]string{"room": domain.OrderRoom(msg.OrderID)})
		default:
			reply(replies, msgError, map[string]string{"error": "unknown message type"})
		}
	}
}

// writePump is the only writer on ws. It exits once the hub closes conn,
// sending a close frame first.
func (h *WSHandler) writePump(ws *websocket.Conn, conn *hub.Conn, replies <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// unblocks readPump when a write fails
	defer ws.Close()

	write := func(b []byte) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-conn.Done():
			closeWith(ws, websocket.CloseGoingAway, "server shutting down")
			return
		case b := <-replies:
			if !write(b) {
				return
			}
		case b := <-conn.Send():
			if !write(b) {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func reply(replies chan<- []byte, msgType string, payload any) {
	b, err := json.Marshal(hub.Message{Type: msgType, Payload: payload})
	if err != nil {
		return
	}
	select {
	case replies <- b:
	default:
	}
}

func closeWith(ws *websocket.Conn, code int, text string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = ws.Close()
}
