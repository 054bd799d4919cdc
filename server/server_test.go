package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"relay/db"
	"relay/protocol"
)

// setupTestServer creates a server over a temporary sqlite store.
func setupTestServer(t *testing.T, config *Config) (*Server, func()) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	store, err := db.OpenSQLite(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	if config == nil {
		config = &Config{}
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 30 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}
	srv := New(store, config)

	cleanup := func() {
		store.Close()
		os.Remove(tmpfile.Name())
	}
	return srv, cleanup
}

// testConn drives one client side of a piped connection against the real
// session loop.
type testConn struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
	next int64
}

func dialPipe(t *testing.T, srv *Server) *testConn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	return &testConn{t: t, conn: clientConn, dec: protocol.NewDecoder(0), next: 1}
}

func (tc *testConn) close() {
	tc.conn.Close()
}

func (tc *testConn) send(req *protocol.Request) int64 {
	tc.t.Helper()
	req.RequestID = tc.next
	tc.next++

	frame, err := protocol.EncodeJSON(req)
	if err != nil {
		tc.t.Fatalf("encode request: %v", err)
	}
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write(frame); err != nil {
		tc.t.Fatalf("write request: %v", err)
	}
	return req.RequestID
}

// readFrame returns the next decoded payload within timeout.
func (tc *testConn) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		if payload, ok, err := tc.dec.Next(); err != nil {
			return nil, err
		} else if ok {
			return payload, nil
		}

		tc.conn.SetReadDeadline(deadline)
		n, err := tc.conn.Read(buf)
		if n > 0 {
			tc.dec.Feed(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// response reads frames until the response matching id arrives, skipping
// any pushes delivered in between.
func (tc *testConn) response(id int64) *protocol.Response {
	tc.t.Helper()
	for {
		payload, err := tc.readFrame(5 * time.Second)
		if err != nil {
			tc.t.Fatalf("read response: %v", err)
		}

		var head protocol.Inbound
		if err := json.Unmarshal(payload, &head); err != nil {
			tc.t.Fatalf("classify frame: %v", err)
		}
		if head.Type != "" {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			tc.t.Fatalf("unmarshal response: %v", err)
		}
		if resp.RequestID == id {
			return &resp
		}
	}
}

// push reads frames until a push of the wanted type arrives.
func (tc *testConn) push(wanted string, timeout time.Duration) *protocol.Push {
	tc.t.Helper()
	for {
		payload, err := tc.readFrame(timeout)
		if err != nil {
			tc.t.Fatalf("read push: %v", err)
		}

		var push protocol.Push
		if err := json.Unmarshal(payload, &push); err != nil {
			tc.t.Fatalf("unmarshal push: %v", err)
		}
		if push.Type == wanted {
			return &push
		}
	}
}

func (tc *testConn) call(req *protocol.Request) *protocol.Response {
	tc.t.Helper()
	return tc.response(tc.send(req))
}

func (tc *testConn) login(username, password string) {
	tc.t.Helper()
	resp := tc.call(&protocol.Request{
		Action:   protocol.ActionLogin,
		Username: username,
		Password: password,
	})
	if !resp.Success {
		tc.t.Fatalf("login %s failed: %s", username, resp.Message)
	}
}

func TestAuthFlow(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	tc := dialPipe(t, srv)
	defer tc.close()

	// Fresh registration succeeds.
	resp := tc.call(&protocol.Request{Action: protocol.ActionRegister, Username: "alice", Password: "pw1"})
	if !resp.Success {
		t.Fatalf("register failed: %s", resp.Message)
	}

	// Re-registering the name fails, even with another password.
	resp = tc.call(&protocol.Request{Action: protocol.ActionRegister, Username: "alice", Password: "pw2"})
	if resp.Success {
		t.Fatal("duplicate register succeeded")
	}
	if resp.Message != "User already exists" {
		t.Errorf("duplicate register message: %q", resp.Message)
	}

	// Wrong password is rejected.
	resp = tc.call(&protocol.Request{Action: protocol.ActionLogin, Username: "alice", Password: "badpw"})
	if resp.Success {
		t.Fatal("login with wrong password succeeded")
	}
	if resp.Message != "Wrong password" {
		t.Errorf("wrong password message: %q", resp.Message)
	}

	// Correct password logs in.
	resp = tc.call(&protocol.Request{Action: protocol.ActionLogin, Username: "alice", Password: "pw1"})
	if !resp.Success {
		t.Fatalf("login failed: %s", resp.Message)
	}

	if _, online := srv.registry.Lookup("alice"); !online {
		t.Error("alice not in registry after login")
	}

	// Account deletion requires re-proving credentials on a fresh,
	// unauthenticated connection.
	tc2 := dialPipe(t, srv)
	defer tc2.close()
	resp = tc2.call(&protocol.Request{Action: protocol.ActionDeleteAccount, Username: "alice", Password: "pw1"})
	if !resp.Success {
		t.Fatalf("delete account failed: %s", resp.Message)
	}

	// The deleted user's live session loses its registry entry.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, online := srv.registry.Lookup("alice"); !online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alice still registered after account deletion")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Login after deletion names the missing user.
	tc3 := dialPipe(t, srv)
	defer tc3.close()
	resp = tc3.call(&protocol.Request{Action: protocol.ActionLogin, Username: "alice", Password: "pw1"})
	if resp.Success {
		t.Fatal("login after deletion succeeded")
	}
	if resp.Message != "User does not exist" {
		t.Errorf("login after deletion message: %q", resp.Message)
	}
}

func TestMessageRouting(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	for _, u := range []string{"alice", "bob", "carol"} {
		if err := srv.store.Register(context.Background(), u, "pw"); err != nil {
			t.Fatalf("seed user %s: %v", u, err)
		}
	}

	alice := dialPipe(t, srv)
	defer alice.close()
	alice.login("alice", "pw")

	bob := dialPipe(t, srv)
	defer bob.close()
	bob.login("bob", "pw")

	// carol registered but never logs in.

	resp := alice.call(&protocol.Request{
		Action:   protocol.ActionSendMessage,
		Receiver: "bob",
		Content:  "hi",
	})
	if !resp.Success {
		t.Fatalf("send to bob failed: %s", resp.Message)
	}

	push := bob.push(protocol.TypePersonalMessage, 5*time.Second)
	if push.Sender != "alice" || push.Content != "hi" {
		t.Errorf("bob received %+v", push)
	}

	resp = alice.call(&protocol.Request{
		Action:   protocol.ActionSendMessage,
		Receiver: "carol",
		Content:  "hi",
	})
	if resp.Success {
		t.Fatal("send to offline carol succeeded")
	}
	if resp.Message != "Receiver is not online" {
		t.Errorf("offline receiver message: %q", resp.Message)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	tc := dialPipe(t, srv)
	defer tc.close()

	resp := tc.call(&protocol.Request{
		Action:   protocol.ActionSendMessage,
		Receiver: "bob",
		Content:  "hi",
	})
	if resp.Success {
		t.Fatal("unauthenticated send_message succeeded")
	}
	if resp.Message != "Not authenticated" {
		t.Errorf("got message %q", resp.Message)
	}

	// The connection survives the rejection.
	resp = tc.call(&protocol.Request{Action: protocol.ActionRegister, Username: "dave", Password: "pw"})
	if !resp.Success {
		t.Fatalf("register after rejection failed: %s", resp.Message)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	tc := dialPipe(t, srv)
	defer tc.close()

	resp := tc.call(&protocol.Request{Action: "dance"})
	if resp.Success {
		t.Fatal("unknown action succeeded")
	}
	if resp.Message != "Unknown action" {
		t.Errorf("got message %q", resp.Message)
	}
}

func TestHeartbeatEcho(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	tc := dialPipe(t, srv)
	defer tc.close()

	frame, err := protocol.EncodeJSON(protocol.Push{Type: protocol.TypeHeartbeat})
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write(frame); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	tc.push(protocol.TypeHeartbeat, 5*time.Second)
}

func TestHeartbeatTimeout(t *testing.T) {
	srv, cleanup := setupTestServer(t, &Config{
		HeartbeatTimeout: 200 * time.Millisecond,
		WriteTimeout:     5 * time.Second,
	})
	defer cleanup()

	if err := srv.store.Register(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	tc := dialPipe(t, srv)
	defer tc.close()
	tc.login("alice", "pw")

	// Go silent past the timeout; the server must close the session and
	// drop the registry entry exactly once.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, online := srv.registry.Lookup("alice"); !online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not torn down after heartbeat timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The socket is closed from the server side.
	if _, err := tc.readFrame(time.Second); err == nil {
		t.Error("expected read error after teardown")
	}
}

func TestDuplicateLoginDisplacesFirstSession(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	if err := srv.store.Register(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	first := dialPipe(t, srv)
	defer first.close()
	first.login("alice", "pw")

	firstSession, _ := srv.registry.Lookup("alice")

	second := dialPipe(t, srv)
	defer second.close()
	second.login("alice", "pw")

	secondSession, online := srv.registry.Lookup("alice")
	if !online || secondSession == firstSession {
		t.Fatal("registry still points at the displaced session")
	}

	// The displaced connection is closed.
	if _, err := first.readFrame(2 * time.Second); err == nil {
		t.Error("expected the first connection to be closed")
	}
}

func TestPresencePush(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	for _, u := range []string{"alice", "bob"} {
		if err := srv.store.Register(context.Background(), u, "pw"); err != nil {
			t.Fatalf("seed user %s: %v", u, err)
		}
	}

	alice := dialPipe(t, srv)
	defer alice.close()
	alice.login("alice", "pw")

	// Adding an offline friend reports their current status immediately.
	resp := alice.call(&protocol.Request{Action: protocol.ActionAddFriend, Friend: "bob"})
	if !resp.Success {
		t.Fatalf("add_friend failed: %s", resp.Message)
	}
	var added struct {
		Username string `json:"username"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(resp.Data, &added); err != nil {
		t.Fatalf("unmarshal add_friend data: %v", err)
	}
	if added.Username != "bob" || added.Status != protocol.StatusOffline {
		t.Errorf("add_friend data: %+v", added)
	}

	// Re-adding fails.
	resp = alice.call(&protocol.Request{Action: protocol.ActionAddFriend, Friend: "bob"})
	if resp.Success {
		t.Fatal("adding the same friend twice succeeded")
	}

	// Bob logging in pushes presence to alice.
	bob := dialPipe(t, srv)
	bob.login("bob", "pw")

	push := alice.push(protocol.TypePresenceUpdate, 5*time.Second)
	if push.Username != "bob" || push.Status != protocol.StatusOnline {
		t.Errorf("online push: %+v", push)
	}

	// The friend list reflects the cached status.
	resp = alice.call(&protocol.Request{Action: protocol.ActionGetFriends})
	if !resp.Success {
		t.Fatalf("get_friends failed: %s", resp.Message)
	}
	friends := make(map[string]string)
	if err := json.Unmarshal(resp.Data, &friends); err != nil {
		t.Fatalf("unmarshal friends: %v", err)
	}
	if friends["bob"] != protocol.StatusOnline {
		t.Errorf("friend list: %v", friends)
	}

	// Bob disconnecting pushes offline.
	bob.close()
	push = alice.push(protocol.TypePresenceUpdate, 5*time.Second)
	if push.Username != "bob" || push.Status != protocol.StatusOffline {
		t.Errorf("offline push: %+v", push)
	}
}

func TestLogout(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	if err := srv.store.Register(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	tc := dialPipe(t, srv)
	defer tc.close()
	tc.login("alice", "pw")

	resp := tc.call(&protocol.Request{Action: protocol.ActionLogout})
	if !resp.Success {
		t.Fatalf("logout failed: %s", resp.Message)
	}
	if _, online := srv.registry.Lookup("alice"); online {
		t.Error("alice still registered after logout")
	}

	// The connection drops back to the unauthenticated state and can log
	// in again.
	tc.login("alice", "pw")
}

func TestFileOffer(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	for _, u := range []string{"alice", "bob"} {
		if err := srv.store.Register(context.Background(), u, "pw"); err != nil {
			t.Fatalf("seed user %s: %v", u, err)
		}
	}

	alice := dialPipe(t, srv)
	defer alice.close()
	alice.login("alice", "pw")

	bob := dialPipe(t, srv)
	defer bob.close()
	bob.login("bob", "pw")

	resp := alice.call(&protocol.Request{
		Action:   protocol.ActionSendFile,
		Receiver: "bob",
		FileName: "notes.txt",
		FileSize: 1024,
	})
	if !resp.Success {
		t.Fatalf("send_file failed: %s", resp.Message)
	}

	offer := bob.push(protocol.TypeFileOffer, 5*time.Second)
	if offer.Sender != "alice" || offer.FileName != "notes.txt" || offer.FileSize != 1024 {
		t.Errorf("file offer: %+v", offer)
	}
	if offer.TransferID == "" {
		t.Fatal("file offer carries no transfer id")
	}

	// Declining notifies the sender.
	resp = bob.call(&protocol.Request{
		Action:     protocol.ActionDeclineFile,
		TransferID: offer.TransferID,
	})
	if !resp.Success {
		t.Fatalf("decline_file failed: %s", resp.Message)
	}

	declined := alice.push(protocol.TypeFileDeclined, 5*time.Second)
	if declined.TransferID != offer.TransferID || declined.Username != "bob" {
		t.Errorf("decline push: %+v", declined)
	}
}

// TestConcurrentEnqueuesKeepFramesIntact hammers one session's outbound
// queue from several goroutines. Every frame that was accepted must come
// off the socket whole and exactly once; interleaved writes would surface
// as decode failures or mangled payloads.
func TestConcurrentEnqueuesKeepFramesIntact(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	if err := srv.store.Register(context.Background(), "bob", "pw"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	bob := dialPipe(t, srv)
	defer bob.close()
	bob.login("bob", "pw")

	sess, online := srv.registry.Lookup("bob")
	if !online {
		t.Fatal("bob not in registry")
	}

	const senders = 8
	const perSender = 25

	var mu sync.Mutex
	accepted := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				content := fmt.Sprintf("frame-%d-%d", i, j)
				frame, err := protocol.EncodeJSON(&protocol.Push{
					Type:    protocol.TypePersonalMessage,
					Sender:  "alice",
					Content: content,
				})
				if err != nil {
					t.Errorf("encode frame: %v", err)
					return
				}
				// Record before enqueueing so the reader never sees a
				// frame ahead of its bookkeeping. A dropped frame can
				// never arrive, so removing it afterwards is safe.
				mu.Lock()
				accepted[content] = true
				mu.Unlock()
				if !sess.Enqueue(frame) {
					mu.Lock()
					delete(accepted, content)
					mu.Unlock()
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	received := make(map[string]bool)
	for {
		payload, err := bob.readFrame(5 * time.Second)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var push protocol.Push
		if err := json.Unmarshal(payload, &push); err != nil {
			t.Fatalf("corrupt frame on the wire: %v", err)
		}
		if push.Type != protocol.TypePersonalMessage {
			continue
		}

		mu.Lock()
		known := accepted[push.Content]
		mu.Unlock()
		if !known {
			t.Fatalf("received a frame that was never enqueued: %q", push.Content)
		}
		if received[push.Content] {
			t.Fatalf("frame delivered twice: %q", push.Content)
		}
		received[push.Content] = true

		select {
		case <-done:
			mu.Lock()
			total := len(accepted)
			mu.Unlock()
			if len(received) == total {
				return
			}
		default:
		}
	}
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	srv, cleanup := setupTestServer(t, nil)
	defer cleanup()

	tc := dialPipe(t, srv)
	defer tc.close()

	// A frame whose payload is not JSON is fatal.
	garbage := []byte("\x00\x00\x00\x03abc")
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write(garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	if _, err := tc.readFrame(2 * time.Second); err == nil {
		t.Error("expected the connection to be closed")
	}
}
