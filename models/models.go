package models

import "time"

type User struct {
	ID       int64
	Login    string
	Password string // hashed
}

type Contact struct {
	ID      int64
	Owner   string
	Contact string
	Nick    string
	Mutual  bool // contact has added owner back
}

// Conversation is the single durable pairing of two users. UserLo and
// UserHi hold the logins in sorted order.
type Conversation struct {
	ID        string
	UserLo    string
	UserHi    string
	CreatedAt time.Time
}

func (c Conversation) HasParticipant(login string) bool {
	return login != "" && (c.UserLo == login || c.UserHi == login)
}

// Peer returns the other participant.
func (c Conversation) Peer(login string) string {
	if c.UserLo == login {
		return c.UserHi
	}
	return c.UserLo
}

// PairKey orders two logins so that (a, b) and (b, a) map to the same key.
func PairKey(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

type Message struct {
	ID             int64
	ConversationID string
	Sender         string
	Body           string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Before reports whether m sorts before o in (CreatedAt, ID) order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

type ReadReceipt struct {
	ConversationID string
	MessageID      int64
	ReadAt         time.Time
}
