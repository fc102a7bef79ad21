package models

import "time"

// SessionInfo describes an in-memory conversation owned by a client.
type SessionInfo struct {
	ID        string    `json:"id"`
	ClientID  int64     `json:"client_id"`
	Title     string    `json:"title"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
