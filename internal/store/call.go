package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

func (s *Store) CreateCall(ctx context.Context, call domain.Call) (domain.Call, error) {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&call).Error; err != nil {
		return domain.Call{}, err
	}
	return call, nil
}

func (s *Store) GetCall(ctx context.Context, id domain.CallID) (domain.Call, error) {
	var call domain.Call
	err := s.db.WithContext(ctx).First(&call, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Call{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Call{}, err
	}
	return call, nil
}

func (s *Store) UpdateCallState(ctx context.Context, id domain.CallID, state domain.CallState, reason string, duration int) error {
	updates := map[string]any{"state": state}
	if reason != "" {
		updates["end_reason"] = reason
	}
	if duration > 0 {
		updates["duration"] = duration
	}
	if state.Terminal() {
		updates["ended_at"] = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Model(&domain.Call{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Store) UpsertParticipant(ctx context.Context, p domain.CallParticipant) error {
	p.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "call_id"}, {Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&p).Error
}

func (s *Store) CallParticipants(ctx context.Context, id domain.CallID) ([]domain.CallParticipant, error) {
	var rows []domain.CallParticipant
	if err := s.db.WithContext(ctx).Where("call_id = ?", id).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
