// Package quic carries replication frames over quic-go. The reliable channel
// is one long-lived bidirectional stream of length-prefixed frames; the
// unreliable channel is QUIC DATAGRAM frames.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/transport"
)

// DefaultALPN is negotiated when Config.ALPN is empty.
const DefaultALPN = "mine-and-die-replication"

// Config tunes both ends of the QUIC transport.
type Config struct {
	ALPN             string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	SendQueue        int
	// TLS holds the server certificate or the client's trust settings. The
	// ALPN is added when missing.
	TLS    *tls.Config
	Logger telemetry.Logger
	NewID  func() string
}

func (c Config) withDefaults() Config {
	if c.ALPN == "" {
		c.ALPN = DefaultALPN
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

func (c Config) tlsConfig() *tls.Config {
	var conf *tls.Config
	if c.TLS != nil {
		conf = c.TLS.Clone()
	} else {
		conf = &tls.Config{}
	}
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{c.ALPN}
	}
	return conf
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.IdleTimeout / 3,
	}
}

// Server accepts QUIC connections and implements transport.Sender.
type Server struct {
	cfg      Config
	handler  transport.Handler
	listener *quic.Listener

	mu       sync.RWMutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// Listen binds addr. Call Serve to start accepting.
func Listen(addr string, handler transport.Handler, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	listener, err := quic.ListenAddr(addr, cfg.tlsConfig(), cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		listener: listener,
		sessions: make(map[string]*session),
	}, nil
}

// Addr reports the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn *quic.Conn) {
	acceptCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	stream, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		s.cfg.Logger.Printf("quic: %s opened no stream: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(quic.ApplicationErrorCode(1), "no reliable stream")
		return
	}

	id := s.cfg.NewID()
	sess := newSession(id, conn, stream, s.cfg.SendQueue, s.cfg.Logger, func(p transport.Packet) {
		s.handler.Received(id, p)
	})
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.handler.Connected(id)

	sess.start(conn.Context())
	<-sess.done
	sess.wg.Wait()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.handler.Disconnected(id)
}

// Send implements transport.Sender.
func (s *Server) Send(client string, ch transport.Channel, payload []byte) error {
	s.mu.RLock()
	sess, ok := s.sessions[client]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownClient, client)
	}
	return sess.enqueue(ch, payload)
}

// Kick closes a client's connection.
func (s *Server) Kick(client string) {
	s.mu.RLock()
	sess, ok := s.sessions[client]
	s.mu.RUnlock()
	if ok {
		sess.close("kicked")
	}
}

// Clients lists connected clients.
func (s *Server) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops the listener and every session.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.close("server shutdown")
	}
	s.mu.RUnlock()
	s.wg.Wait()
	return err
}

// Conn is the client end of a QUIC connection.
type Conn struct {
	sess  *session
	inbox chan transport.Packet
}

// Dial connects to a replication server and opens the reliable stream.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	conn, err := quic.DialAddr(ctx, addr, cfg.tlsConfig(), cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(1), "open stream failed")
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	// The peer only learns about the stream once bytes flow on it.
	if err := writeFrame(stream, nil); err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(1), "hello failed")
		return nil, fmt.Errorf("quic: hello: %w", err)
	}
	c := &Conn{inbox: make(chan transport.Packet, cfg.SendQueue)}
	c.sess = newSession("server", conn, stream, cfg.SendQueue, cfg.Logger, func(p transport.Packet) {
		select {
		case c.inbox <- p:
		default:
			if p.Channel == transport.ReliableOrdered {
				// Reliable frames are never dropped.
				select {
				case c.inbox <- p:
				case <-c.sess.done:
				}
			}
		}
	})
	c.sess.start(conn.Context())
	return c, nil
}

// Send implements transport.Conn.
func (c *Conn) Send(ch transport.Channel, payload []byte) error {
	return c.sess.enqueue(ch, payload)
}

// Recv implements transport.Conn.
func (c *Conn) Recv(ctx context.Context) (transport.Packet, error) {
	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.sess.done:
		select {
		case p := <-c.inbox:
			return p, nil
		default:
		}
		return transport.Packet{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.sess.close("client closed")
	c.sess.wg.Wait()
	return nil
}
