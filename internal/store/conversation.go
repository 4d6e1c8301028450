package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"e2ee-relay/internal/domain"
)

func (s *Store) CreateConversation(ctx context.Context, kind domain.ConversationKind, adminID *domain.UserID, members []domain.UserID) (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:        uuid.New(),
		Kind:      kind,
		AdminID:   adminID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		for _, uid := range members {
			m := domain.ConversationMember{
				ConversationID: conv.ID,
				UserID:         uid,
				JoinedAt:       conv.CreatedAt,
			}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Conversation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// ConversationMembers returns the current member set; the fan-out audience.
func (s *Store) ConversationMembers(ctx context.Context, id domain.ConversationID) ([]domain.UserID, error) {
	var rows []domain.ConversationMember
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", id).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]domain.UserID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

func (s *Store) IsMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&domain.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conv, user).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) AddMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) error {
	m := domain.ConversationMember{
		ConversationID: conv,
		UserID:         user,
		JoinedAt:       time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// RemoveMember drops the membership row. From this point the user is no
// longer part of any fan-out audience for the conversation.
func (s *Store) RemoveMember(ctx context.Context, conv domain.ConversationID, user domain.UserID) error {
	return s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conv, user).
		Delete(&domain.ConversationMember{}).Error
}

// ContactPeers returns every distinct user sharing at least one
// conversation with the given user. Presence events go to this set.
func (s *Store) ContactPeers(ctx context.Context, user domain.UserID) ([]domain.UserID, error) {
	var peers []domain.UserID
	err := s.db.WithContext(ctx).
		Model(&domain.ConversationMember{}).
		Distinct("user_id").
		Where("user_id <> ? AND conversation_id IN (?)",
			user,
			s.db.Model(&domain.ConversationMember{}).
				Select("conversation_id").
				Where("user_id = ?", user),
		).
		Pluck("user_id", &peers).Error
	if err != nil {
		return nil, err
	}
	return peers, nil
}
