package handlers

import (
	"sync"

	"pairchat-backend/internal/fanout"
	"pairchat-backend/internal/models"
	"pairchat-backend/internal/utils"

	"github.com/google/uuid"
)

// Conn is the socket side of a client. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Client is one open socket on this instance.
type Client struct {
	ID   string
	conn Conn
	// claimed is the username bound by an access token, empty for anonymous sockets.
	claimed string

	wmu sync.Mutex
}

func NewClient(conn Conn, claimed string) *Client {
	return &Client{ID: uuid.New().String(), conn: conn, claimed: claimed}
}

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(msg models.WSMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return utils.SendJSON(c.conn, msg)
}

// Departure describes a socket the hub just forgot.
type Departure struct {
	Username string
	// Remaining counts other local sockets registered under Username.
	Remaining int
	Rooms     []string
	// Left lists rooms the socket left with leave_room before closing.
	Left []string
}

// Hub tracks the sockets open on this instance and which rooms and usernames
// they are registered under. It delivers fanout envelopes to them.
type Hub struct {
	mu sync.RWMutex
	// connID -> client
	clients map[string]*Client
	// roomID -> connID -> client
	rooms map[string]map[string]*Client
	// username -> connID -> client
	users map[string]map[string]*Client
	// connID -> username
	names map[string]string
	// connID -> rooms left explicitly
	left map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		users:   make(map[string]map[string]*Client),
		names:   make(map[string]string),
		left:    make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

// Identify registers the socket under username for user-scoped delivery.
// A socket carries one username; identifying again moves it.
func (h *Hub) Identify(connID, username string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if old, ok := h.names[connID]; ok {
		if old == username {
			return
		}
		removeFrom(h.users, old, connID)
	}
	h.names[connID] = username
	addTo(h.users, username, c)
}

func (h *Hub) Join(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		addTo(h.rooms, roomID, c)
		delete(h.left[connID], roomID)
	}
}

// Leave removes the socket from roomID and remembers that it left on purpose.
func (h *Hub) Leave(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomID][connID]; !ok {
		return
	}
	removeFrom(h.rooms, roomID, connID)
	if _, ok := h.left[connID]; !ok {
		h.left[connID] = make(map[string]struct{})
	}
	h.left[connID][roomID] = struct{}{}
}

// InRoom reports whether the socket joined roomID.
func (h *Hub) InRoom(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}

// Unregister forgets the socket and everything it joined.
func (h *Hub) Unregister(connID string) Departure {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[connID]; !ok {
		return Departure{}
	}
	delete(h.clients, connID)

	var d Departure
	for roomID, conns := range h.rooms {
		if _, ok := conns[connID]; ok {
			d.Rooms = append(d.Rooms, roomID)
			removeFrom(h.rooms, roomID, connID)
		}
	}
	for roomID := range h.left[connID] {
		d.Left = append(d.Left, roomID)
	}
	delete(h.left, connID)
	if username, ok := h.names[connID]; ok {
		delete(h.names, connID)
		removeFrom(h.users, username, connID)
		d.Username = username
		d.Remaining = len(h.users[username])
	}
	return d
}

// Connections counts local sockets registered under username.
func (h *Hub) Connections(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[username])
}

// Count returns the number of open sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver writes an envelope to the local sockets it addresses. It is the
// fanout subscription handler.
func (h *Hub) Deliver(env fanout.Envelope) {
	for _, c := range h.targets(env) {
		if err := c.Send(env.Message); err != nil {
			utils.LogError(err, "Deliver "+env.Message.Event)
		}
	}
}

func (h *Hub) targets(env fanout.Envelope) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var set map[string]*Client
	switch env.Scope {
	case fanout.ScopeAll:
		set = h.clients
	case fanout.ScopeRoom:
		set = h.rooms[env.Target]
	case fanout.ScopeUser:
		set = h.users[env.Target]
	}

	out := make([]*Client, 0, len(set))
	for id, c := range set {
		if id == env.SkipConn {
			continue
		}
		out = append(out, c)
	}
	return out
}

func addTo(index map[string]map[string]*Client, key string, c *Client) {
	if _, ok := index[key]; !ok {
		index[key] = make(map[string]*Client)
	}
	index[key][c.ID] = c
}

func removeFrom(index map[string]map[string]*Client, key, connID string) {
	conns, ok := index[key]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(index, key)
	}
}
