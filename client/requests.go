package client

import (
	"encoding/json"
	"time"

	"relay/protocol"
)

// Typed wrappers over Call for the protocol's actions. Each blocks the
// caller until the correlated response arrives or timeout elapses.

func (c *Client) Register(username, password string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:   protocol.ActionRegister,
		Username: username,
		Password: password,
	}, timeout)
}

func (c *Client) Login(username, password string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:   protocol.ActionLogin,
		Username: username,
		Password: password,
	}, timeout)
}

func (c *Client) DeleteAccount(username, password string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:   protocol.ActionDeleteAccount,
		Username: username,
		Password: password,
	}, timeout)
}

func (c *Client) SendMessage(receiver, content string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:   protocol.ActionSendMessage,
		Receiver: receiver,
		Content:  content,
	}, timeout)
}

// GetFriends returns the friend list with each friend's last known status.
func (c *Client) GetFriends(timeout time.Duration) (map[string]string, error) {
	resp, err := c.Call(&protocol.Request{Action: protocol.ActionGetFriends}, timeout)
	if err != nil {
		return nil, err
	}

	friends := make(map[string]string)
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &friends); err != nil {
			return nil, err
		}
	}
	return friends, nil
}

func (c *Client) AddFriend(friend string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action: protocol.ActionAddFriend,
		Friend: friend,
	}, timeout)
}

func (c *Client) Logout(timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{Action: protocol.ActionLogout}, timeout)
}

func (c *Client) SendFile(receiver, fileName string, size int64, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:   protocol.ActionSendFile,
		Receiver: receiver,
		FileName: fileName,
		FileSize: size,
	}, timeout)
}

func (c *Client) AcceptFile(transferID string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:     protocol.ActionAcceptFile,
		TransferID: transferID,
	}, timeout)
}

func (c *Client) DeclineFile(transferID string, timeout time.Duration) (*protocol.Response, error) {
	return c.Call(&protocol.Request{
		Action:     protocol.ActionDeclineFile,
		TransferID: transferID,
	}, timeout)
}
