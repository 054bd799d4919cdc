package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/protocol"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

// Session owns one socket. The read loop is the only reader, the write loop
// is the only writer; everyone else talks to the session through its
// outbound queue. Teardown is idempotent and safe to trigger from the read
// path, the write path, a registry displacement or server shutdown.
type Session struct {
	id     string
	conn   net.Conn
	srv    *Server
	ctx    context.Context
	cancel context.CancelFunc

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	username     string
	state        sessionState
	lastActivity time.Time
}

func newSession(srv *Server, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		srv:          srv,
		ctx:          ctx,
		cancel:       cancel,
		outbound:     make(chan []byte, srv.config.QueueDepth),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) snapshot() (sessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.username
}

func (s *Session) setAuthenticated(username string) {
	s.mu.Lock()
	s.username = username
	s.state = stateAuthenticated
	s.mu.Unlock()
}

func (s *Session) setLoggedOut() {
	s.mu.Lock()
	s.username = ""
	s.state = stateUnauthenticated
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// readDeadline is the instant the heartbeat timeout elapses. Liveness
// detection rides the socket read timeout instead of a separate timer.
func (s *Session) readDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Add(s.srv.config.HeartbeatTimeout)
}

func (s *Session) expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) >= s.srv.config.HeartbeatTimeout
}

// readLoop decodes frames and dispatches them until the connection dies,
// the peer goes silent past the heartbeat timeout, or the stream turns out
// to be corrupt.
func (s *Session) readLoop() {
	defer s.teardown()

	remoteAddr := s.conn.RemoteAddr().String()
	dec := protocol.NewDecoder(s.srv.config.MaxFrame)
	buf := make([]byte, 4096)

	for {
		s.conn.SetReadDeadline(s.readDeadline())
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, ok, derr := dec.Next()
				if derr != nil {
					log.Printf("[%s] protocol error from %s: %v", s.id[:8], remoteAddr, derr)
					return
				}
				if !ok {
					break
				}
				s.touch()
				if !s.handleFrame(payload) {
					return
				}
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if s.expired() {
					log.Printf("[%s] heartbeat timeout from %s", s.id[:8], remoteAddr)
					return
				}
				continue
			}
			return
		}
	}
}

// handleFrame classifies one decoded payload. Heartbeats are answered in
// kind; everything else is a request and gets exactly one response.
// Returns false when the frame is fatally malformed.
func (s *Session) handleFrame(payload []byte) bool {
	var head protocol.Inbound
	if err := json.Unmarshal(payload, &head); err != nil {
		log.Printf("[%s] unreadable frame: %v", s.id[:8], err)
		return false
	}

	if head.Type == protocol.TypeHeartbeat {
		s.EnqueuePush(&protocol.Push{Type: protocol.TypeHeartbeat})
		return true
	}

	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("[%s] unreadable request: %v", s.id[:8], err)
		return false
	}

	resp := s.srv.router.Dispatch(s, &req)
	s.EnqueueResponse(resp)
	return true
}

// writeLoop is the sole writer on the socket. Frames destined for this
// session arrive only through the outbound queue, so concurrent senders can
// never interleave bytes.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.config.WriteTimeout))
			if _, err := s.conn.Write(frame); err != nil {
				s.teardown()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Enqueue hands a pre-encoded frame to the write loop. Delivery is
// best-effort at-most-once: a full queue or a closed session drops the
// frame and reports false.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	case <-s.closed:
		return false
	default:
		log.Printf("[%s] outbound queue full, dropping frame", s.id[:8])
		return false
	}
}

func (s *Session) EnqueuePush(p *protocol.Push) bool {
	frame, err := protocol.EncodeJSON(p)
	if err != nil {
		log.Printf("[%s] encode push: %v", s.id[:8], err)
		return false
	}
	return s.Enqueue(frame)
}

func (s *Session) EnqueueResponse(resp *protocol.Response) bool {
	frame, err := protocol.EncodeJSON(resp)
	if err != nil {
		log.Printf("[%s] encode response: %v", s.id[:8], err)
		return false
	}
	return s.Enqueue(frame)
}

// teardown closes the socket and removes the session from the registry
// exactly once.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.conn.Close()

		s.mu.Lock()
		username := s.username
		s.state = stateClosed
		s.mu.Unlock()

		if username != "" {
			if s.srv.registry.Unregister(username, s) {
				s.srv.presence.SessionDown(username)
				log.Printf("[%s] %s disconnected", s.id[:8], username)
			}
		}
	})
}
