package sessionctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"docchat/src/core/citation"
	"docchat/src/core/session"
)

type SessionMessage struct {
	ID        int64               `gorm:"primaryKey"`
	UserID    string              `gorm:"not null;index"`
	MessageID string              `gorm:"not null"`
	Role      string              `gorm:"not null"`
	Content   string              `gorm:"not null"`
	Citations []citation.Citation `gorm:"serializer:json"`
	CreatedAt time.Time
}

// SessionService is the durable session.Store. Each user keeps at most
// capacity messages; older ones are evicted on append.
type SessionService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
	capacity  int
}

func NewSessionService(db *gorm.DB, capacity int) (*SessionService, error) {
	node, err := snowflake.NewNode(2)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	if capacity <= 0 {
		capacity = session.DefaultCapacity
	}

	return &SessionService{
		db:        db,
		snowflake: node,
		capacity:  capacity,
	}, nil
}

// Migrate creates or updates the backing table.
func (s *SessionService) Migrate() error {
	return s.db.AutoMigrate(&SessionMessage{})
}

func (s *SessionService) Append(ctx context.Context, userID string, msg session.Message) error {
	row := SessionMessage{
		ID:        s.snowflake.Generate().Int64(),
		UserID:    userID,
		MessageID: msg.MessageID,
		Role:      msg.Role,
		Content:   msg.Content,
		Citations: msg.Citations,
		CreatedAt: msg.CreatedAt,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(&row); result.Error != nil {
			return fmt.Errorf("failed to append message: %w", result.Error)
		}

		var count int64
		if result := tx.Model(&SessionMessage{}).Where("user_id = ?", userID).Count(&count); result.Error != nil {
			return fmt.Errorf("failed to count messages: %w", result.Error)
		}
		if count <= int64(s.capacity) {
			return nil
		}

		// Evict the oldest rows beyond capacity.
		var stale []int64
		result := tx.Model(&SessionMessage{}).
			Where("user_id = ?", userID).
			Order("id ASC").
			Limit(int(count) - s.capacity).
			Pluck("id", &stale)
		if result.Error != nil {
			return fmt.Errorf("failed to find stale messages: %w", result.Error)
		}
		if len(stale) > 0 {
			if result := tx.Delete(&SessionMessage{}, stale); result.Error != nil {
				return fmt.Errorf("failed to evict stale messages: %w", result.Error)
			}
		}
		return nil
	})
}

func (s *SessionService) Read(ctx context.Context, userID string, limit int) ([]session.Message, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []SessionMessage
	if result := query.Find(&rows); result.Error != nil {
		return nil, fmt.Errorf("failed to read messages: %w", result.Error)
	}

	// Rows come back newest first; callers expect chronological order.
	msgs := make([]session.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = session.Message{
			MessageID: row.MessageID,
			Role:      row.Role,
			Content:   row.Content,
			Citations: row.Citations,
			CreatedAt: row.CreatedAt,
		}
	}

	return msgs, nil
}
