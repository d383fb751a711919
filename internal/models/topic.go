package models

import "time"

// Topic is a discussion topic announced on the topic broadcast channel.
type Topic struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	PublicID   string    `gorm:"size:36;uniqueIndex;not null"`
	Title      string    `gorm:"size:256;not null"`
	FeedID     string    `gorm:"size:128;not null;index"` // feed hosting the discussion
	AuthorID   string    `gorm:"size:64"`
	AuthorName string    `gorm:"size:64;not null"`
	CreatedAt  time.Time `gorm:"index"`
}
