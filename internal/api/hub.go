package api

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"bus-tracker/internal/transit"
)

const clientQueue = 16

type client struct {
	id   uint
	conn net.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Hub fans snapshots out to websocket clients. A client whose queue is full
// misses frames rather than slowing the simulator down.
type Hub struct {
	log     *zap.Logger
	onCount func(n int)

	mu      sync.RWMutex
	seq     uint
	clients map[uint]*client
	last    []byte
}

func NewHub(log *zap.Logger, onCount func(n int)) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, onCount: onCount, clients: make(map[uint]*client)}
}

func (h *Hub) Name() string { return "ws" }

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements sim.Sink.
func (h *Hub) Publish(_ context.Context, snap transit.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.last = b
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
		}
	}
	h.mu.Unlock()
	return nil
}

// Serve registers an upgraded connection and blocks until the client goes away.
func (h *Hub) Serve(conn net.Conn) {
	c := h.register(conn)
	defer h.remove(c)

	go h.writeLoop(c)

	// Clients never send anything meaningful; reading handles pings and close frames.
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			h.log.Debug("websocket client gone", zap.Uint("client", c.id), zap.Error(err))
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for b := range c.send {
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, b); err != nil {
			h.log.Debug("websocket write error", zap.Uint("client", c.id), zap.Error(err))
			c.conn.Close()
			return
		}
	}
}

func (h *Hub) register(conn net.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	c.id = h.seq
	h.seq++
	h.clients[c.id] = c
	if h.last != nil {
		c.send <- h.last
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("websocket client connected", zap.Uint("client", c.id), zap.String("remote", conn.RemoteAddr().String()))
	if h.onCount != nil {
		h.onCount(n)
	}
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	n := len(h.clients)
	c.close()
	h.mu.Unlock()

	if h.onCount != nil {
		h.onCount(n)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	cs := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()
	for _, c := range cs {
		h.remove(c)
	}
}
