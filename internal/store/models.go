package store

import "time"

// Message is one chat message document. ID, AuthorID and CreatedAt never
// change after creation; IsPinned is the only mutable field.
type Message struct {
	ID                string
	Text              string
	AuthorID          string
	AuthorDisplayName string
	AuthorPhotoURL    string
	AuthorEmail       string
	// CreatedAt is assigned by the database and may be nil for a row that has
	// not been committed yet.
	CreatedAt       *time.Time
	IsAdminAuthored bool
	IsPinned        bool
	ReplyTo         *ReplySnapshot
}

// ReplySnapshot is a copy of the replied-to message taken at send time. It is
// not kept in sync with the original.
type ReplySnapshot struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Email       string `json:"email,omitempty"`
}

// SearchHit is a message matched by full-text search.
type SearchHit struct {
	ID                string
	Snippet           string
	AuthorDisplayName string
	CreatedAt         *time.Time
}
