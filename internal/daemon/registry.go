package daemon

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/jellyj/jelly-j/internal/common/logger"
	"github.com/jellyj/jelly-j/internal/zellij"
	"github.com/jellyj/jelly-j/pkg/protocol"
)

// sendQueueSize bounds each client's outbound frame queue. A client that
// cannot drain this many frames is dropped.
const sendQueueSize = 256

// Client is one registered UI connection.
type Client struct {
	Key     int64
	ID      string
	Session string
	Env     zellij.EnvContext

	conn      net.Conn
	send      chan []byte
	closeOnce sync.Once
	logger    *logger.Logger

	// sendMu serializes queueing against Close so a client disconnecting
	// mid-turn can never make the executor send on a closed channel.
	sendMu sync.Mutex
	closed bool
}

// Send queues a frame for the client's write pump. A full queue drops the
// client: a stuck reader must not stall the executor.
func (c *Client) Send(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	c.sendRaw(append(data, '\n'))
}

func (c *Client) sendRaw(data []byte) {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.logger.Warn("client send queue overflow, dropping client",
			zap.String("client_id", c.ID))
		c.Close()
	}
}

// Close tears the connection down. The write pump exits when the send
// channel drains or the connection errors. Frames sent after Close are
// dropped.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
		_ = c.conn.Close()
	})
}

// writePump drains the send queue onto the socket.
func (c *Client) writePump() {
	for data := range c.send {
		if _, err := c.conn.Write(data); err != nil {
			c.logger.Debug("client write failed", zap.String("client_id", c.ID), zap.Error(err))
			_ = c.conn.Close()
			// Keep draining so queued sends never block.
			for range c.send {
			}
			return
		}
	}
}

// Registry holds the two views of connected clients: by transport key and
// by client id.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[int64]*Client
	byID    map[string]*Client
	nextKey int64
	logger  *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byKey:  make(map[int64]*Client),
		byID:   make(map[string]*Client),
		logger: log.WithFields(zap.String("component", "registry")),
	}
}

// NextKey issues a transport key for a freshly accepted connection.
func (r *Registry) NextKey() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextKey++
	return r.nextKey
}

// Register records a connection as a client and starts its write pump.
// A re-registration with an existing client id replaces the old entry;
// the previous transport is closed.
func (r *Registry) Register(key int64, clientID, session string, env zellij.EnvContext, conn net.Conn) *Client {
	c := &Client{
		Key:     key,
		ID:      clientID,
		Session: session,
		Env:     env,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		logger:  r.logger,
	}

	r.mu.Lock()
	if prev, ok := r.byID[clientID]; ok && prev.Key != key {
		delete(r.byKey, prev.Key)
		defer prev.Close()
	}
	r.byKey[key] = c
	r.byID[clientID] = c
	r.mu.Unlock()

	go c.writePump()
	return c
}

// ByKey looks a client up by transport key.
func (r *Registry) ByKey(key int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[key]
	return c, ok
}

// ByID looks a client up by client id.
func (r *Registry) ByID(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// SendTo delivers a frame to one client id. Frames for disconnected
// clients are dropped.
func (r *Registry) SendTo(clientID string, v any) {
	if c, ok := r.ByID(clientID); ok {
		c.Send(v)
	}
}

// Broadcast marshals once and fans out to every connected client.
func (r *Registry) Broadcast(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		r.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	data = append(data, '\n')

	r.mu.RLock()
	clients := make([]*Client, 0, len(r.byKey))
	for _, c := range r.byKey {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.sendRaw(data)
	}
}

// Remove drops a connection from both maps. The in-flight turn, if any,
// keeps running; its events route to nobody.
func (r *Registry) Remove(key int64) {
	r.mu.Lock()
	c, ok := r.byKey[key]
	if ok {
		delete(r.byKey, key)
		if cur, idOK := r.byID[c.ID]; idOK && cur.Key == key {
			delete(r.byID, c.ID)
		}
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// CloseAll tears down every connection; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.byKey))
	for _, c := range r.byKey {
		clients = append(clients, c)
	}
	r.byKey = make(map[int64]*Client)
	r.byID = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
