package server

import (
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"relay/db"
)

type Config struct {
	Host               string
	Port               int
	HeartbeatTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxFrame           int
	QueueDepth         int
	FilePortRangeStart int
	FilePortRangeEnd   int
}

// Server accepts connections and runs one session per socket. The
// credential store is injected at construction; there is no process-wide
// state.
type Server struct {
	config    *Config
	store     db.CredentialStore
	registry  *Registry
	presence  *Presence
	transfers *TransferManager
	router    *Router

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func New(store db.CredentialStore, config *Config) *Server {
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.QueueDepth == 0 {
		config.QueueDepth = 64
	}
	if config.FilePortRangeStart == 0 {
		config.FilePortRangeStart = 35000
	}
	if config.FilePortRangeEnd == 0 {
		config.FilePortRangeEnd = 35999
	}

	registry := NewRegistry()
	presence := NewPresence(registry)
	transfers := NewTransferManager(config.FilePortRangeStart, config.FilePortRangeEnd)
	transfers.StartCleanup()

	return &Server{
		config:    config,
		store:     store,
		registry:  registry,
		presence:  presence,
		transfers: transfers,
		router:    NewRouter(store, registry, presence, transfers),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log.Printf("relay server started on %s", listener.Addr())
	return s.Serve(listener)
}

// Serve runs the accept loop on a caller-provided listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			log.Printf("accept: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// Addr reports the listener address, useful when the port was chosen by
// the OS.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := newSession(s, conn)
	log.Printf("[%s] client connected from %s", sess.id[:8], conn.RemoteAddr())

	go sess.writeLoop()
	sess.readLoop()
}

// Shutdown stops accepting and tears down every live session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	for _, sess := range s.registry.Sessions() {
		sess.teardown()
	}
}

// Stats returns server statistics as a formatted string for the control
// socket.
func (s *Server) Stats() string {
	online := s.registry.Snapshot()
	users := make([]string, 0, len(online))
	for username := range online {
		users = append(users, username)
	}

	return "connections=" + strconv.Itoa(len(online)) + ",users=" + strings.Join(users, ";")
}
