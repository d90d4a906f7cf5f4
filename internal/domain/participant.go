package domain

import "time"

// Participant is a user attached to a room through one connection.
// It only exists while the connection is open and is never persisted.
type Participant struct {
	UserID   string    `json:"userId"`
	ConnID   string    `json:"connId"`
	JoinedAt time.Time `json:"joinedAt"`
}
