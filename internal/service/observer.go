package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/model"
)

// Observer is told about committed data changes, e.g. to refresh materialized views
type Observer interface {
	OnEntitiesChanged(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, event model.WriteEvent)
	OnEntitySetDataDeleted(ctx context.Context, entitySetID uuid.UUID, deleteType model.DeleteType)
}

// NoopObserver ignores every notification
type NoopObserver struct{}

func (NoopObserver) OnEntitiesChanged(context.Context, uuid.UUID, []uuid.UUID, model.WriteEvent) {}

func (NoopObserver) OnEntitySetDataDeleted(context.Context, uuid.UUID, model.DeleteType) {}

// LoggingObserver logs every notification at debug level
type LoggingObserver struct {
	logger *zap.Logger
}

// NewLoggingObserver creates an observer writing to logger
func NewLoggingObserver(logger *zap.Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnEntitiesChanged(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, event model.WriteEvent) {
	o.logger.Debug("Entities changed",
		zap.String("entity_set_id", entitySetID.String()),
		zap.Int("entities", len(entityKeyIDs)),
		zap.Int64("version", event.Version),
		zap.Int("updates", event.NumUpdates))
}

func (o *LoggingObserver) OnEntitySetDataDeleted(ctx context.Context, entitySetID uuid.UUID, deleteType model.DeleteType) {
	o.logger.Debug("Entity set data deleted",
		zap.String("entity_set_id", entitySetID.String()),
		zap.String("delete_type", string(deleteType)))
}
