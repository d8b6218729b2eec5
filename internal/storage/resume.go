package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/protocol"
)

const lastMessageIDKey = "last_message_id"

// LastMessageID returns the persisted resume token of objectID, or the zero id when
// none was stored or the stored value is unreadable.
func (store *Store) LastMessageID(ctx context.Context, objectID string) (protocol.MessageID, error) {
	value, found, err := store.GetMeta(ctx, objectID, lastMessageIDKey)
	if err != nil || !found {
		return protocol.MessageID{}, err
	}
	id, err := protocol.ParseMessageID(value)
	if err != nil {
		store.logger.Warn("discarding unreadable resume token", zap.String(fieldObjectID, objectID), zap.Error(err))
		return protocol.MessageID{}, nil
	}
	return id, nil
}

// SetLastMessageID persists the resume token of objectID.
func (store *Store) SetLastMessageID(ctx context.Context, objectID string, id protocol.MessageID) error {
	return store.SetMeta(ctx, objectID, lastMessageIDKey, id.String())
}
