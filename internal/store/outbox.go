package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

// PutPendingTermination records that a call was concluded over a dead link
// and the given user still has to be told. At most one record per
// (call, user): a concurrent writer loses the conflict and that is fine,
// the notice only needs to exist once per recipient.
func (s *Store) PutPendingTermination(ctx context.Context, callID domain.CallID, user domain.UserID, reason string) error {
	row := domain.PendingTermination{
		CallID:    callID,
		UserID:    user,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// TakePendingTerminations removes and returns the user's pending records.
// Removal happens before the replay attempt: one attempt is all a record
// gets, a peer that is also gone does not earn an infinite retry loop.
func (s *Store) TakePendingTerminations(ctx context.Context, user domain.UserID) ([]domain.PendingTermination, error) {
	var rows []domain.PendingTermination
	if err := s.db.WithContext(ctx).Where("user_id = ?", user).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]domain.CallID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.CallID)
	}
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND call_id IN ?", user, ids).
		Delete(&domain.PendingTermination{}).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// HasPendingTermination reports whether the user itself already concluded
// this call while offline; used to refuse a rejoin after reload.
func (s *Store) HasPendingTermination(ctx context.Context, callID domain.CallID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&domain.PendingTermination{}).
		Where("call_id = ?", callID).
		Count(&n).Error
	return n > 0, err
}
