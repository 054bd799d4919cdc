package models

import "time"

// Message is transient: it exists on the wire and in an outbound queue,
// never in storage.
type Message struct {
	Sender   string
	Receiver string
	Content  string
	SentAt   time.Time
}
