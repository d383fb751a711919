package models

import "time"

// FeedMessage is one persisted entry of a live discussion feed. A client
// nonce is stored at most once per feed and author: NonceKey is NULL for
// messages without one, and AuthorKey is "id:<id>" or "name:<name>".
type FeedMessage struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	PublicID       string    `gorm:"size:36;uniqueIndex;not null"`
	FeedID         string    `gorm:"size:128;not null;index:idx_feed_created,priority:1;uniqueIndex:idx_feed_author_nonce,priority:1"`
	Nonce          string    `gorm:"size:64;index"` // client correlation id, empty for system messages
	NonceKey       *string   `gorm:"size:64;uniqueIndex:idx_feed_author_nonce,priority:3"`
	AuthorKey      string    `gorm:"size:80;uniqueIndex:idx_feed_author_nonce,priority:2"`
	AuthorID       string    `gorm:"size:64"`
	AuthorName     string    `gorm:"size:64;not null"`
	AuthorAvatar   string    `gorm:"size:512"`
	AuthorRole     string    `gorm:"size:32"`
	AuthorVerified bool      `gorm:"default:false"`
	Content        string    `gorm:"type:text;not null"`
	Kind           string    `gorm:"size:16;default:chat"` // "chat", "system"
	Pinned         bool      `gorm:"default:false"`
	ReactionCount  int       `gorm:"default:0"`
	CreatedAt      time.Time `gorm:"index:idx_feed_created,priority:2"`
}
