package models

import "time"

// Note is a keyed durable blob in the memory store.
//
// Keys are opaque strings chosen by tools and operators; the store rejects
// keys containing path-traversal characters before they reach the filesystem.
type Note struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteMatch is a single result from a note search.
type NoteMatch struct {
	Key     string  `json:"key"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}
