package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/types"
)

type ConversationRepo interface {
	// CreateWithTurns writes the conversation row and all turn rows in one
	// transaction. Either everything lands or nothing does.
	CreateWithTurns(ctx context.Context, tx *gorm.DB, conv *types.Conversation, turns []*types.ConversationTurn) (*types.Conversation, error)
	GetByExternalEventID(ctx context.Context, tx *gorm.DB, externalEventID string) (*types.Conversation, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	CountTurns(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (int64, error)
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	return &conversationRepo{
		db:  db,
		log: baseLog.With("repo", "ConversationRepo"),
	}
}

func (r *conversationRepo) CreateWithTurns(ctx context.Context, tx *gorm.DB, conv *types.Conversation, turns []*types.ConversationTurn) (*types.Conversation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if conv == nil {
		return nil, nil
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if cErr := txx.Create(conv).Error; cErr != nil {
			return cErr
		}
		for _, turn := range turns {
			turn.ConversationID = conv.ID
		}
		if len(turns) > 0 {
			if tErr := txx.CreateInBatches(&turns, 200).Error; tErr != nil {
				return tErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *conversationRepo) GetByExternalEventID(ctx context.Context, tx *gorm.DB, externalEventID string) (*types.Conversation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if externalEventID == "" {
		return nil, nil
	}
	var conv types.Conversation
	err := transaction.WithContext(ctx).
		Where("external_event_id = ?", externalEventID).
		Limit(1).
		Find(&conv).Error
	if err != nil {
		return nil, err
	}
	if conv.ID == uuid.Nil {
		return nil, nil
	}
	return &conv, nil
}

func (r *conversationRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversationRepo) CountTurns(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.ConversationTurn{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, err
}
