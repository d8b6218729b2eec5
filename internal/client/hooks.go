package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/view"
)

// GetViewIDFromDatabaseID attaches the related database and returns its first view id.
// The database stays attached until the workspace closes so that its rows keep syncing.
func (workspace *Workspace) GetViewIDFromDatabaseID(ctx context.Context, databaseID string) (string, error) {
	database, err := workspace.attachRelated(ctx, databaseID)
	if err != nil {
		return "", err
	}
	viewIDs := view.ViewIDs(database)
	if len(viewIDs) == 0 {
		return "", nil
	}
	workspace.mu.Lock()
	for _, viewID := range viewIDs {
		workspace.viewOwners[viewID] = databaseID
	}
	workspace.mu.Unlock()
	return viewIDs[0], nil
}

// LoadView returns the database document owning viewID, holding an attachment until
// ReleaseView.
func (workspace *Workspace) LoadView(ctx context.Context, viewID string) (*crdt.Doc, error) {
	workspace.mu.Lock()
	owner, ok := workspace.viewOwners[viewID]
	workspace.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, viewID)
	}
	return workspace.Attach(ctx, owner)
}

// ReleaseView drops the attachment taken by LoadView.
func (workspace *Workspace) ReleaseView(viewID string) {
	workspace.mu.Lock()
	owner, ok := workspace.viewOwners[viewID]
	workspace.mu.Unlock()
	if !ok {
		return
	}
	if err := workspace.Detach(owner); err != nil {
		workspace.logger.Debug("view release skipped", zap.String("view_id", viewID), zap.Error(err))
	}
}

// CreateRowDoc attaches the row document behind rowKey.
func (workspace *Workspace) CreateRowDoc(ctx context.Context, rowKey string) (*crdt.Doc, error) {
	return workspace.attachRelated(ctx, rowKey)
}

// attachRelated attaches objectID once on behalf of the relation cache.
func (workspace *Workspace) attachRelated(ctx context.Context, objectID string) (*crdt.Doc, error) {
	workspace.mu.Lock()
	_, held := workspace.related[objectID]
	workspace.mu.Unlock()
	if held {
		if doc, live := workspace.registry.Get(objectID); live {
			return doc, nil
		}
		workspace.mu.Lock()
		delete(workspace.related, objectID)
		workspace.mu.Unlock()
	}

	doc, err := workspace.Attach(ctx, objectID)
	if err != nil {
		return nil, err
	}
	workspace.mu.Lock()
	if _, raced := workspace.related[objectID]; raced {
		workspace.mu.Unlock()
		_ = workspace.Detach(objectID)
		return doc, nil
	}
	workspace.related[objectID] = struct{}{}
	workspace.mu.Unlock()
	return doc, nil
}
