package core

import "time"

// Message is the unified chat record collected from a live stream and fed into
// the raffle. AuthorID is the platform channel ID; multiple messages may share
// the same AuthorID.
type Message struct {
	ID          string    `json:"id"` // platform-native message ID (or composed)
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at"`
}
