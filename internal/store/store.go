// Package store persists feed messages and topics for the hub.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civichall/agora/internal/livefeed"
	"github.com/civichall/agora/internal/models"
)

// DefaultMaxHistory caps RecentMessages regardless of the requested limit.
const DefaultMaxHistory = 200

// ErrDuplicateNonce is returned by AppendMessage when the author already
// stored a message under the same nonce in the feed. The stored message is
// returned alongside it.
var ErrDuplicateNonce = errors.New("store: duplicate nonce")

// Store reads and writes feed messages and topics.
type Store struct {
	db         *gorm.DB
	now        func() time.Time
	maxHistory int
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB         *gorm.DB
	Now        func() time.Time // defaults to time.Now
	MaxHistory int              // defaults to DefaultMaxHistory
}

// New creates a Store.
func New(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	s := &Store{db: opts.DB, now: opts.Now, maxHistory: opts.MaxHistory}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxHistory <= 0 {
		s.maxHistory = DefaultMaxHistory
	}
	return s, nil
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	Feed    livefeed.FeedID
	Nonce   string
	Author  livefeed.Author
	Content string
	Kind    livefeed.Kind // defaults to chat
}

// AppendMessage persists m with a fresh public id and server timestamp.
func (s *Store) AppendMessage(ctx context.Context, m NewMessage) (livefeed.Message, error) {
	if m.Feed == "" {
		return livefeed.Message{}, fmt.Errorf("store: feed is required")
	}
	if m.Content == "" {
		return livefeed.Message{}, fmt.Errorf("store: content is required")
	}
	if m.Author.Name == "" {
		return livefeed.Message{}, fmt.Errorf("store: author name is required")
	}
	kind := m.Kind
	if kind == "" {
		kind = livefeed.KindChat
	}

	row := models.FeedMessage{
		PublicID:       uuid.NewString(),
		FeedID:         string(m.Feed),
		Nonce:          m.Nonce,
		AuthorKey:      authorKey(m.Author),
		AuthorID:       m.Author.ID,
		AuthorName:     m.Author.Name,
		AuthorAvatar:   m.Author.AvatarURL,
		AuthorRole:     m.Author.Role,
		AuthorVerified: m.Author.Verified,
		Content:        m.Content,
		Kind:           string(kind),
		CreatedAt:      s.now().UTC(),
	}
	if m.Nonce != "" {
		nonce := m.Nonce
		row.NonceKey = &nonce
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if m.Nonce != "" {
			// A concurrent resend may have won the unique index.
			prev, ok, ferr := s.FindByNonce(ctx, m.Feed, m.Author, m.Nonce)
			if ferr == nil && ok {
				return prev, ErrDuplicateNonce
			}
		}
		return livefeed.Message{}, fmt.Errorf("store: append to %s: %w", m.Feed, err)
	}
	return toMessage(row), nil
}

// FindByNonce returns the message author previously stored under nonce in
// feed. ok is false when there is none.
func (s *Store) FindByNonce(ctx context.Context, feed livefeed.FeedID, author livefeed.Author, nonce string) (msg livefeed.Message, ok bool, err error) {
	if nonce == "" {
		return livefeed.Message{}, false, nil
	}
	var row models.FeedMessage
	err = s.db.WithContext(ctx).
		Where("feed_id = ? AND author_key = ? AND nonce_key = ?", string(feed), authorKey(author), nonce).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return livefeed.Message{}, false, nil
	}
	if err != nil {
		return livefeed.Message{}, false, fmt.Errorf("store: find nonce %s: %w", nonce, err)
	}
	return toMessage(row), true, nil
}

// RecentMessages returns up to limit of the newest messages of feed,
// oldest first.
func (s *Store) RecentMessages(ctx context.Context, feed livefeed.FeedID, limit int) ([]livefeed.Message, error) {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	var rows []models.FeedMessage
	if err := s.db.WithContext(ctx).Where("feed_id = ?", string(feed)).
		Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: recent messages %s: %w", feed, err)
	}

	out := make([]livefeed.Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = toMessage(row)
	}
	return out, nil
}

// PruneBefore deletes messages created before cutoff and returns how many
// were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&models.FeedMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: prune before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}

// CreateTopic persists a new topic.
func (s *Store) CreateTopic(ctx context.Context, title string, feed livefeed.FeedID, author livefeed.Author) (livefeed.Topic, error) {
	if title == "" {
		return livefeed.Topic{}, fmt.Errorf("store: title is required")
	}
	if feed == "" {
		return livefeed.Topic{}, fmt.Errorf("store: feed is required")
	}
	row := models.Topic{
		PublicID:   uuid.NewString(),
		Title:      title,
		FeedID:     string(feed),
		AuthorID:   author.ID,
		AuthorName: author.Name,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return livefeed.Topic{}, fmt.Errorf("store: create topic: %w", err)
	}
	return toTopic(row), nil
}

// RecentTopics returns up to limit topics, newest first.
func (s *Store) RecentTopics(ctx context.Context, limit int) ([]livefeed.Topic, error) {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	var rows []models.Topic
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: recent topics: %w", err)
	}
	out := make([]livefeed.Topic, len(rows))
	for i, row := range rows {
		out[i] = toTopic(row)
	}
	return out, nil
}

// authorKey identifies an author for nonce de-duplication: by id when
// known, otherwise by name.
func authorKey(a livefeed.Author) string {
	if a.ID != "" {
		return "id:" + a.ID
	}
	return "name:" + a.Name
}

func toMessage(row models.FeedMessage) livefeed.Message {
	return livefeed.Message{
		ID:    row.PublicID,
		Nonce: row.Nonce,
		Author: livefeed.Author{
			ID:        row.AuthorID,
			Name:      row.AuthorName,
			AvatarURL: row.AuthorAvatar,
			Role:      row.AuthorRole,
			Verified:  row.AuthorVerified,
		},
		Content:       row.Content,
		Timestamp:     row.CreatedAt.UTC(),
		Kind:          livefeed.Kind(row.Kind),
		Pinned:        row.Pinned,
		ReactionCount: row.ReactionCount,
	}
}

func toTopic(row models.Topic) livefeed.Topic {
	return livefeed.Topic{
		ID:        row.PublicID,
		Title:     row.Title,
		Author:    livefeed.Author{ID: row.AuthorID, Name: row.AuthorName},
		FeedID:    livefeed.FeedID(row.FeedID),
		CreatedAt: row.CreatedAt.UTC(),
	}
}
