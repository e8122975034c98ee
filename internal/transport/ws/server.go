// Package ws carries replication frames over gorilla/websocket.
package ws

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/transport"
)

// Config tunes both ends of the websocket transport.
type Config struct {
	SendQueue        int
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Logger           telemetry.Logger
	// NewID allocates client ids; defaults to random UUIDs.
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// Server upgrades HTTP requests and implements transport.Sender.
type Server struct {
	cfg      Config
	handler  transport.Handler
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewServer constructs a server delivering inbound frames to handler.
func NewServer(handler transport.Handler, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		peers: make(map[string]*peer),
	}
}

// ServeHTTP implements http.Handler. The connection lives until the socket
// fails or the server closes it.
func (s *Server) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Printf("ws upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	id := s.cfg.NewID()
	p := newPeer(conn, s.cfg.SendQueue, s.cfg.WriteWait)
	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	s.handler.Connected(id)

	defer func() {
		s.mu.Lock()
		if s.peers[id] == p {
			delete(s.peers, id)
		}
		s.mu.Unlock()
		p.close()
		s.handler.Disconnected(id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.cfg.Logger.Printf("ws read from %s failed: %v", id, err)
			}
			return
		}
		packet, err := decodeFrame(data)
		if err != nil {
			s.cfg.Logger.Printf("discarding frame from %s: %v", id, err)
			continue
		}
		s.handler.Received(id, packet)
	}
}

// Send implements transport.Sender.
func (s *Server) Send(client string, ch transport.Channel, payload []byte) error {
	s.mu.RLock()
	p, ok := s.peers[client]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownClient, client)
	}
	return p.enqueue(ch, payload)
}

// Kick closes a client's socket.
func (s *Server) Kick(client string) {
	s.mu.RLock()
	p, ok := s.peers[client]
	s.mu.RUnlock()
	if ok {
		p.close()
	}
}

// Clients lists connected clients.
func (s *Server) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every socket.
func (s *Server) Close() error {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
	return nil
}

// Conn is the client end of a websocket connection.
type Conn struct {
	peer  *peer
	inbox chan transport.Packet
	err   error
	ready chan struct{}
}

// Dial connects to a replication server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	conn.SetReadLimit(cfg.ReadLimit)
	c := &Conn{
		peer:  newPeer(conn, cfg.SendQueue, cfg.WriteWait),
		inbox: make(chan transport.Packet, cfg.SendQueue),
		ready: make(chan struct{}),
	}
	go c.readPump(cfg.Logger)
	return c, nil
}

func (c *Conn) readPump(logger telemetry.Logger) {
	defer close(c.ready)
	defer c.peer.close()
	for {
		_, data, err := c.peer.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		packet, err := decodeFrame(data)
		if err != nil {
			logger.Printf("discarding frame: %v", err)
			continue
		}
		select {
		case c.inbox <- packet:
		case <-c.peer.done:
			return
		}
	}
}

// Send implements transport.Conn.
func (c *Conn) Send(ch transport.Channel, payload []byte) error {
	return c.peer.enqueue(ch, payload)
}

// Recv implements transport.Conn.
func (c *Conn) Recv(ctx context.Context) (transport.Packet, error) {
	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.ready:
		select {
		case p := <-c.inbox:
			return p, nil
		default:
		}
		if c.err != nil {
			return transport.Packet{}, fmt.Errorf("%w: %v", transport.ErrClosed, c.err)
		}
		return transport.Packet{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.peer.close()
	return nil
}
