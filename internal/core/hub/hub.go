// Package hub keeps live client connections grouped into rooms and fans out
// order status pushes to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rl1809/orderflow/internal/core/domain"
	"github.com/rl1809/orderflow/internal/logging"
	"github.com/rl1809/orderflow/internal/metrics"
	"github.com/rl1809/orderflow/internal/port"
)

const MessageOrderStatus = "order_status"

// Message is the frame written to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is one authenticated client. Its transport drains Send and closes the
// socket once Done is closed.
type Conn struct {
	ID     string
	UserID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	rooms     map[string]struct{}
}

func (c *Conn) Send() <-chan []byte { return c.send }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type Hub struct {
	orders   port.OrderReader
	verifier port.IdentityVerifier
	buffer   int
	log      *logging.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[*Conn]struct{}
	accepting bool
	closing   bool
	drained   chan struct{}
}

func New(orders port.OrderReader, verifier port.IdentityVerifier, buffer int, log *logging.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		orders:    orders,
		verifier:  verifier,
		buffer:    buffer,
		log:       log,
		metrics:   m,
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[*Conn]struct{}),
		accepting: true,
		drained:   make(chan struct{}),
	}
}

// Connect verifies token and registers a connection in its user's room.
// Any verification failure is reported as domain.ErrAuthentication.
func (h *Hub) Connect(ctx context.Context, token string) (*Conn, error) {
	if token == "" || h.verifier == nil {
		return nil, domain.ErrAuthentication
	}
	userID, err := h.verifier.Verify(ctx, token)
	if err != nil || userID == "" {
		if err != nil && !errors.Is(err, domain.ErrAuthentication) {
			h.log.Ctx(ctx).Warn("identity verification error", map[string]any{"err": err})
		}
		return nil, domain.ErrAuthentication
	}
	return h.Register(userID)
}

// Register adds a connection for an already verified user.
func (h *Hub) Register(userID string) (*Conn, error) {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, h.buffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.accepting {
		return nil, domain.ErrHubClosed
	}
	h.conns[c.ID] = c
	h.join(c, domain.UserRoom(userID))
	h.metrics.ConnectionOpened()
	return c, nil
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)
	for room := range c.rooms {
		members := h.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.close()
	h.metrics.ConnectionClosed()

	if h.closing && len(h.conns) == 0 {
		close(h.drained)
	}
}

// JoinOrderRoom subscribes c to an order's updates if c's user owns it. A
// missing order and a foreign order both yield domain.ErrAuthorization.
func (h *Hub) JoinOrderRoom(ctx context.Context, c *Conn, orderID string) error {
	order, err := h.orders.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrAuthorization
	}
	if err != nil {
		return err
	}
	if order.UserID != c.UserID {
		return domain.ErrAuthorization
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return domain.ErrHubClosed
	}
	h.join(c, domain.OrderRoom(orderID))
	return nil
}

func (h *Hub) join(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Push delivers a message to every member of room without blocking. Members
// whose buffer is full miss it. Returns the number of members reached.
func (h *Hub) Push(room, msgType string, payload any) int {
	b, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		h.log.Error("push encode failed", map[string]any{"room": room, "type": msgType, "err": err})
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered, dropped := 0, 0
	for c := range h.rooms[room] {
		select {
		case c.send <- b:
			delivered++
		default:
			dropped++
		}
	}
	h.metrics.Push(delivered, dropped)
	if dropped > 0 {
		h.log.Warn("push dropped for slow connections", map[string]any{"room": room, "dropped": dropped})
	}
	return delivered
}

// NotifyStatus pushes an order's current status to its order room and, once
// the status is terminal, to its owner's room.
func (h *Hub) NotifyStatus(ctx context.Context, order domain.Order) {
	update := domain.StatusUpdate{OrderID: order.ID, Status: order.Status, Timestamp: order.UpdatedAt}
	n := h.Push(domain.OrderRoom(order.ID), MessageOrderStatus, update)
	if order.Status.Terminal() {
		n += h.Push(domain.UserRoom(order.UserID), MessageOrderStatus, update)
	}
	h.log.Ctx(ctx).Debug("status pushed", map[string]any{"order_id": order.ID, "status": order.Status, "receivers": n})
}

// StopAccepting makes Register fail with domain.ErrHubClosed. Existing
// connections are unaffected.
func (h *Hub) StopAccepting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepting = false
}

// Close signals every connection to close and waits until their transports
// have unregistered them or ctx expires.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.accepting = false
	if !h.closing {
		h.closing = true
		if len(h.conns) == 0 {
			close(h.drained)
		}
	}
	for _, c := range h.conns {
		c.close()
	}
	drained := h.drained
	h.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Rooms returns the rooms c has joined.
func (h *Hub) Rooms(c *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
