package server

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"relay/db"
	"relay/protocol"
)

// Router maps an inbound request to its handler. Handlers reason in
// internal codes; respondFail translates them to user-facing strings at the
// response boundary so wire vocabulary stays decoupled from internal
// reasoning.
type Router struct {
	store     db.CredentialStore
	registry  *Registry
	presence  *Presence
	transfers *TransferManager
}

func NewRouter(store db.CredentialStore, registry *Registry, presence *Presence, transfers *TransferManager) *Router {
	return &Router{
		store:     store,
		registry:  registry,
		presence:  presence,
		transfers: transfers,
	}
}

func respondOK(req *protocol.Request, message string, data any) *protocol.Response {
	resp := &protocol.Response{RequestID: req.RequestID, Success: true, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Printf("marshal response data: %v", err)
			return respondFail(req, protocol.CodeInternal)
		}
		resp.Data = raw
	}
	return resp
}

func respondFail(req *protocol.Request, code protocol.Code) *protocol.Response {
	return &protocol.Response{
		RequestID: req.RequestID,
		Success:   false,
		Message:   protocol.UserMessage(code),
	}
}

// Dispatch enforces the session state machine and produces exactly one
// response per request. Wrong-state or unknown actions are rejected without
// closing the connection.
func (rt *Router) Dispatch(s *Session, req *protocol.Request) *protocol.Response {
	state, username := s.snapshot()

	switch req.Action {
	case protocol.ActionRegister:
		if state != stateUnauthenticated {
			return respondFail(req, protocol.CodeAlreadyAuthed)
		}
		return rt.handleRegister(s, req)
	case protocol.ActionLogin:
		if state != stateUnauthenticated {
			return respondFail(req, protocol.CodeAlreadyAuthed)
		}
		return rt.handleLogin(s, req)
	case protocol.ActionDeleteAccount:
		if state != stateUnauthenticated {
			return respondFail(req, protocol.CodeAlreadyAuthed)
		}
		return rt.handleDeleteAccount(s, req)
	case protocol.ActionSendMessage:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return rt.handleSendMessage(s, req, username)
	case protocol.ActionGetFriends:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return respondOK(req, "Friend list", rt.presence.Friends(username))
	case protocol.ActionAddFriend:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return rt.handleAddFriend(req, username)
	case protocol.ActionLogout:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return rt.handleLogout(s, req, username)
	case protocol.ActionSendFile:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return rt.handleSendFile(req, username)
	case protocol.ActionAcceptFile:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return rt.handleAcceptFile(req, username)
	case protocol.ActionDeclineFile:
		if state != stateAuthenticated {
			return respondFail(req, protocol.CodeNotAuthed)
		}
		return rt.handleDeclineFile(req, username)
	default:
		return respondFail(req, protocol.CodeUnknownAction)
	}
}

func (rt *Router) handleRegister(s *Session, req *protocol.Request) *protocol.Response {
	if req.Username == "" || req.Password == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	err := rt.store.Register(s.ctx, req.Username, req.Password)
	if errors.Is(err, db.ErrExists) {
		return respondFail(req, protocol.CodeUserExists)
	}
	if err != nil {
		log.Printf("register %s: %v", req.Username, err)
		return respondFail(req, protocol.CodeInternal)
	}

	return respondOK(req, "User registered successfully", nil)
}

func (rt *Router) handleLogin(s *Session, req *protocol.Request) *protocol.Response {
	if req.Username == "" || req.Password == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	valid, err := rt.store.Verify(s.ctx, req.Username, req.Password)
	if errors.Is(err, db.ErrNotFound) {
		return respondFail(req, protocol.CodeUserNotExist)
	}
	if err != nil {
		log.Printf("login %s: %v", req.Username, err)
		return respondFail(req, protocol.CodeInternal)
	}
	if !valid {
		return respondFail(req, protocol.CodeWrongPassword)
	}

	s.setAuthenticated(req.Username)
	if old := rt.registry.Register(req.Username, s); old != nil {
		// A second login for the same user displaces the first session.
		old.teardown()
	}
	rt.presence.SessionUp(req.Username)
	log.Printf("[%s] %s logged in", s.id[:8], req.Username)

	return respondOK(req, "Login successful!", nil)
}

func (rt *Router) handleDeleteAccount(s *Session, req *protocol.Request) *protocol.Response {
	if req.Username == "" || req.Password == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	valid, err := rt.store.Verify(s.ctx, req.Username, req.Password)
	if errors.Is(err, db.ErrNotFound) {
		return respondFail(req, protocol.CodeUserNotExist)
	}
	if err != nil {
		log.Printf("delete account %s: %v", req.Username, err)
		return respondFail(req, protocol.CodeInternal)
	}
	if !valid {
		return respondFail(req, protocol.CodeWrongPassword)
	}

	if err := rt.store.Delete(s.ctx, req.Username); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("delete account %s: %v", req.Username, err)
		return respondFail(req, protocol.CodeInternal)
	}

	// A live session under the deleted name loses its routing target.
	if live, ok := rt.registry.Lookup(req.Username); ok {
		live.teardown()
	}

	return respondOK(req, "Account deleted successfully", nil)
}

func (rt *Router) handleSendMessage(s *Session, req *protocol.Request, sender string) *protocol.Response {
	if req.Receiver == "" || req.Content == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	target, online := rt.registry.Lookup(req.Receiver)
	if !online {
		return respondFail(req, protocol.CodeReceiverOffline)
	}

	target.EnqueuePush(&protocol.Push{
		Type:    protocol.TypePersonalMessage,
		Sender:  sender,
		Content: req.Content,
		SentAt:  time.Now().Unix(),
	})

	return respondOK(req, "Message sent successfully", nil)
}

func (rt *Router) handleAddFriend(req *protocol.Request, owner string) *protocol.Response {
	friend := req.Friend
	if friend == "" {
		friend = req.Receiver
	}
	if friend == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	status, err := rt.presence.AddFriend(owner, friend)
	if errors.Is(err, ErrAlreadyFriend) {
		return respondFail(req, protocol.CodeAlreadyFriend)
	}

	return respondOK(req, "Friend added successfully", map[string]string{
		"username": friend,
		"status":   status,
	})
}

func (rt *Router) handleLogout(s *Session, req *protocol.Request, username string) *protocol.Response {
	if rt.registry.Unregister(username, s) {
		rt.presence.SessionDown(username)
	}
	s.setLoggedOut()
	log.Printf("[%s] %s logged out", s.id[:8], username)
	return respondOK(req, "Logged out", nil)
}

func (rt *Router) handleSendFile(req *protocol.Request, sender string) *protocol.Response {
	if req.Receiver == "" || req.FileName == "" || req.FileSize <= 0 {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	target, online := rt.registry.Lookup(req.Receiver)
	if !online {
		return respondFail(req, protocol.CodeReceiverOffline)
	}

	transfer := rt.transfers.Create(sender, req.Receiver, req.FileName, req.FileSize)
	target.EnqueuePush(&protocol.Push{
		Type:       protocol.TypeFileOffer,
		Sender:     sender,
		TransferID: transfer.ID,
		FileName:   transfer.FileName,
		FileSize:   transfer.Size,
	})

	return respondOK(req, "File offer sent", map[string]string{"transfer_id": transfer.ID})
}

func (rt *Router) handleAcceptFile(req *protocol.Request, username string) *protocol.Response {
	if req.TransferID == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	transfer, err := rt.transfers.Accept(req.TransferID, username)
	if err != nil {
		log.Printf("accept transfer %s: %v", req.TransferID, err)
		return respondFail(req, protocol.CodeTransferNotFound)
	}

	// The sender uploads out-of-band; tell it where.
	if sender, online := rt.registry.Lookup(transfer.Sender); online {
		sender.EnqueuePush(&protocol.Push{
			Type:       protocol.TypeFileAccepted,
			Username:   username,
			TransferID: transfer.ID,
			UploadPort: transfer.UploadPort,
		})
	}

	return respondOK(req, "File transfer accepted", map[string]int{
		"download_port": transfer.DownloadPort,
	})
}

func (rt *Router) handleDeclineFile(req *protocol.Request, username string) *protocol.Response {
	if req.TransferID == "" {
		return respondFail(req, protocol.CodeInvalidRequest)
	}

	transfer, err := rt.transfers.Decline(req.TransferID, username)
	if err != nil {
		return respondFail(req, protocol.CodeTransferNotFound)
	}

	if sender, online := rt.registry.Lookup(transfer.Sender); online {
		sender.EnqueuePush(&protocol.Push{
			Type:       protocol.TypeFileDeclined,
			Username:   username,
			TransferID: transfer.ID,
			Reason:     "declined by receiver",
		})
	}

	return respondOK(req, "File transfer declined", nil)
}
