package protocol

import "encoding/json"

// Client request actions.
const (
	ActionRegister      = "register"
	ActionLogin         = "login"
	ActionDeleteAccount = "delete_account"
	ActionSendMessage   = "send_message"
	ActionGetFriends    = "get_friends"
	ActionAddFriend     = "add_friend"
	ActionLogout        = "logout"
	ActionSendFile      = "send_file"
	ActionAcceptFile    = "accept_file"
	ActionDeclineFile   = "decline_file"
)

// Server-initiated frame types. Heartbeat frames flow both ways.
const (
	TypeHeartbeat       = "heartbeat"
	TypePersonalMessage = "personal_message"
	TypePresenceUpdate  = "presence_update"
	TypeFileOffer       = "file_offer"
	TypeFileAccepted    = "file_accepted"
	TypeFileDeclined    = "file_declined"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Request is the client-to-server envelope. RequestID is the request's
// creation timestamp in milliseconds, used as the correlation key.
type Request struct {
	Action     string `json:"action"`
	RequestID  int64  `json:"request_id"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Receiver   string `json:"receiver,omitempty"`
	Content    string `json:"content,omitempty"`
	Friend     string `json:"friend,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	FileSize   int64  `json:"file_size,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}

// Response echoes the request id it answers. Exactly one response is
// produced per request that reaches the server.
type Response struct {
	RequestID int64           `json:"request_id"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Push is a server-initiated frame: routed messages, presence updates,
// heartbeats and file-transfer signalling.
type Push struct {
	Type         string `json:"type"`
	Sender       string `json:"sender,omitempty"`
	Content      string `json:"content,omitempty"`
	SentAt       int64  `json:"sent_at,omitempty"`
	Username     string `json:"username,omitempty"`
	Status       string `json:"status,omitempty"`
	TransferID   string `json:"transfer_id,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	UploadPort   int    `json:"upload_port,omitempty"`
	DownloadPort int    `json:"download_port,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Inbound is the minimal view both sides use to classify a decoded frame
// before committing to a full unmarshal: a Type marks a push or heartbeat;
// anything else is a request on the server and a response on the client.
type Inbound struct {
	Type      string `json:"type"`
	RequestID int64  `json:"request_id"`
}
