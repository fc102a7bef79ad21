package models

import "time"

// Client is a browser or terminal that owns an API key and its sessions.
type Client struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredKey is the masked view of a stored credential.
type StoredKey struct {
	Name      string    `json:"name"`
	Masked    string    `json:"masked"`
	CreatedAt time.Time `json:"created_at"`
}
