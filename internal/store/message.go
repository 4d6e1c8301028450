package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"e2ee-relay/internal/domain"
)

// CreateMessage persists a new message and assigns its per-conversation
// sequence number inside one transaction. Callers serialize sends per
// conversation, so max+1 cannot race in-process.
func (s *Store) CreateMessage(ctx context.Context, conv domain.ConversationID, sender domain.UserID, ciphertext, iv []byte) (domain.Message, error) {
	msg := domain.Message{
		ID:             uuid.New(),
		ConversationID: conv,
		SenderID:       sender,
		Ciphertext:     append([]byte(nil), ciphertext...),
		IV:             append([]byte(nil), iv...),
		CreatedAt:      time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&domain.Message{}).
			Where("conversation_id = ?", conv).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		msg.Seq = maxSeq + 1
		return tx.Create(&msg).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	var msg domain.Message
	err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// UpdateMessage rewrites a message body. The guard on deleted_for_all is
// load-bearing: an edit racing a tombstone must lose here, not report a
// phantom success over the tombstoned row.
func (s *Store) UpdateMessage(ctx context.Context, id domain.MessageID, ciphertext, iv []byte, at time.Time) (domain.Message, error) {
	res := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND deleted_for_all = ?", id, false).
		Updates(map[string]any{
			"ciphertext": append([]byte(nil), ciphertext...),
			"iv":         append([]byte(nil), iv...),
			"edited_at":  at,
		})
	if res.Error != nil {
		return domain.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return domain.Message{}, err
		}
		return domain.Message{}, domain.ErrAlreadyDeleted
	}
	return s.GetMessage(ctx, id)
}

// TombstoneMessage replaces content irreversibly. The row keeps its seq so
// ordering and dedup stay intact; the payload is gone for good.
func (s *Store) TombstoneMessage(ctx context.Context, id domain.MessageID) error {
	return s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"ciphertext":      []byte{},
			"iv":              []byte{},
			"deleted_for_all": true,
		}).Error
}

func (s *Store) HideMessage(ctx context.Context, id domain.MessageID, user domain.UserID) error {
	row := domain.MessageHidden{MessageID: id, UserID: user, HiddenAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// RecordRead stores a read receipt. Idempotent: the first call for a given
// (message, user) reports first=true, later calls are no-ops.
func (s *Store) RecordRead(ctx context.Context, id domain.MessageID, user domain.UserID) (first bool, receipt domain.ReadReceipt, err error) {
	receipt = domain.ReadReceipt{MessageID: id, UserID: user, ReadAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipt)
	if res.Error != nil {
		return false, domain.ReadReceipt{}, res.Error
	}
	if res.RowsAffected == 0 {
		err = s.db.WithContext(ctx).
			First(&receipt, "message_id = ? AND user_id = ?", id, user).Error
		return false, receipt, err
	}
	return true, receipt, nil
}

// MessagesSince returns messages of a conversation with seq greater than
// the given watermark, oldest first. Used for replay after reconnect.
func (s *Store) MessagesSince(ctx context.Context, conv domain.ConversationID, afterSeq int64, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := s.db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ?", conv, afterSeq).
		Order("seq asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
