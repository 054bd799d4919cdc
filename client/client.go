// Package client implements the relay wire protocol for UI-facing callers:
// a dialer, a reader goroutine, a heartbeat sender and a request correlator
// that matches asynchronous responses back to the requests that caused
// them.
package client

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"relay/models"
	"relay/protocol"
)

var (
	ErrTimedOut = errors.New("request timed out")
	ErrClosed   = errors.New("connection closed")
)

type Config struct {
	Addr              string
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxFrame          int
}

func (c *Config) fillDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Client is safe for concurrent use: requests may be issued from the
// interactive context while the reader and heartbeat goroutines run.
// All socket writes go through one mutex, so frames never interleave.
type Client struct {
	cfg  Config
	conn net.Conn

	sendMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan *protocol.Response
	lastID   int64
	lastSeen time.Time
	closeErr error

	onMessage    func(models.Message)
	onPresence   func(username, status string)
	onFileOffer  func(protocol.Push)
	onDisconnect func(error)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and starts the reader and heartbeat
// goroutines.
func Dial(cfg Config) (*Client, error) {
	cfg.fillDefaults()
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	c := attach(conn, cfg)
	return c, nil
}

// attach wires a client onto an established connection.
func attach(conn net.Conn, cfg Config) *Client {
	cfg.fillDefaults()
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		pending:  make(map[int64]chan *protocol.Response),
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

// Close tears the connection down and fails every in-flight await.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		if c.onDisconnect != nil && !errors.Is(cause, ErrClosed) {
			c.onDisconnect(cause)
		}
	})
}

// closeReason reports why the connection went down.
func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

// OnMessage registers the callback for routed personal messages. Set
// callbacks before issuing requests.
func (c *Client) OnMessage(fn func(models.Message)) { c.onMessage = fn }

// OnPresence registers the callback for friend status changes.
func (c *Client) OnPresence(fn func(username, status string)) { c.onPresence = fn }

// OnFileOffer registers the callback for incoming file offers.
func (c *Client) OnFileOffer(fn func(protocol.Push)) { c.onFileOffer = fn }

// OnDisconnect registers the callback invoked when the connection dies for
// any reason other than an explicit Close.
func (c *Client) OnDisconnect(fn func(error)) { c.onDisconnect = fn }

// Submit assigns the request its correlation id, registers a single-slot
// future for the response and writes the frame. The id is the request's
// creation timestamp in milliseconds, bumped when two requests land on the
// same millisecond.
func (c *Client) Submit(req *protocol.Request) (int64, error) {
	select {
	case <-c.done:
		return 0, c.closeReason()
	default:
	}

	c.mu.Lock()
	id := time.Now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	ch := make(chan *protocol.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req.RequestID = id
	frame, err := protocol.EncodeJSON(req)
	if err == nil {
		err = c.send(frame)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}

	return id, nil
}

// Await blocks until the response correlated with id arrives, the timeout
// elapses, or the connection closes. On timeout the pending entry is
// removed so the table stays bounded.
func (c *Client) Await(id int64, timeout time.Duration) (*protocol.Response, error) {
	c.mu.Lock()
	ch, exists := c.pending[id]
	c.mu.Unlock()
	if !exists {
		return nil, ErrTimedOut
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ErrTimedOut
	case <-c.done:
		return nil, c.closeReason()
	}
}

// Call is Submit followed by Await.
func (c *Client) Call(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	id, err := c.Submit(req)
	if err != nil {
		return nil, err
	}
	return c.Await(id, timeout)
}

func (c *Client) send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := c.conn.Write(frame)
	return err
}

func (c *Client) readLoop() {
	dec := protocol.NewDecoder(c.cfg.MaxFrame)
	buf := make([]byte, 4096)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, complete, derr := dec.Next()
				if derr != nil {
					c.shutdown(derr)
					return
				}
				if !complete {
					break
				}
				c.handleFrame(payload)
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.mu.Lock()
				silent := time.Since(c.lastSeen) >= c.cfg.HeartbeatTimeout
				c.mu.Unlock()
				if silent {
					c.shutdown(errors.New("server heartbeat timeout"))
					return
				}
				continue
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handleFrame(payload []byte) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	var head protocol.Inbound
	if err := json.Unmarshal(payload, &head); err != nil {
		return
	}

	if head.Type != "" {
		c.handlePush(payload, head.Type)
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}

	c.mu.Lock()
	ch, exists := c.pending[resp.RequestID]
	if exists {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if exists {
		// Single-slot future: the buffered send never blocks the reader.
		ch <- &resp
	}
}

func (c *Client) handlePush(payload []byte, kind string) {
	var push protocol.Push
	if err := json.Unmarshal(payload, &push); err != nil {
		return
	}

	switch kind {
	case protocol.TypeHeartbeat:
		// lastSeen already advanced; nothing else to do.
	case protocol.TypePersonalMessage:
		if c.onMessage != nil {
			c.onMessage(models.Message{
				Sender:  push.Sender,
				Content: push.Content,
				SentAt:  time.Unix(push.SentAt, 0),
			})
		}
	case protocol.TypePresenceUpdate:
		if c.onPresence != nil {
			c.onPresence(push.Username, push.Status)
		}
	case protocol.TypeFileOffer, protocol.TypeFileAccepted, protocol.TypeFileDeclined:
		if c.onFileOffer != nil {
			c.onFileOffer(push)
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			frame, err := protocol.EncodeJSON(protocol.Push{Type: protocol.TypeHeartbeat})
			if err != nil {
				continue
			}
			if err := c.send(frame); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
