// Package client runs a workspace replica: it keeps one connection to the sync
// authority, multiplexes a sync session per attached document over it and serves the
// relation cache and view engine from the local document registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/relation"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/syncproto"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/transport"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/view"
)

// DefaultRenewInterval keeps local presence alive well inside the outdated timeout.
const DefaultRenewInterval = 15 * time.Second

var (
	// ErrMissingRegistry indicates a workspace configured without a document registry.
	ErrMissingRegistry = errors.New("client: document registry is required")
	// ErrNotAttached is returned for objects without an attached session.
	ErrNotAttached = errors.New("client: object not attached")
	// ErrUnknownView is returned when a view id was never resolved to its database.
	ErrUnknownView = errors.New("client: unknown view")
)

// Config configures a Workspace.
type Config struct {
	Registry *docs.Registry
	// Store persists resume tokens. A nil store keeps them for the process lifetime.
	Store         *storage.Store
	Dialer        transport.Dialer
	Backoff       transport.Backoff
	Batcher       syncproto.BatcherConfig
	RenewInterval time.Duration
	// Relations tunes the relation cache; its Hooks are always the workspace itself.
	Relations relation.Config
	// OnAccessRevoked is called after a revoked document was dropped and purged.
	OnAccessRevoked func(objectID, reason string)
	Logger          *zap.Logger
}

type attachment struct {
	session   *syncproto.Session
	awareness *awareness.Awareness
	// stopObserving removes the update handler that invalidates relation cells.
	stopObserving func()
	refs          int
}

func (current *attachment) close() error {
	current.stopObserving()
	return current.session.Close()
}

// Workspace is a connected replica of a set of documents.
type Workspace struct {
	cfg       Config
	logger    *zap.Logger
	registry  *docs.Registry
	manager   *transport.Manager
	relations *relation.Cache
	engine    *view.Engine

	mu          sync.Mutex
	attachments map[string]*attachment
	viewOwners  map[string]string
	related     map[string]struct{}
	closed      bool
}

// New wires the connection manager, relation cache and view engine of a workspace.
func New(cfg Config) (*Workspace, error) {
	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}

	workspace := &Workspace{
		cfg:         cfg,
		logger:      logger,
		registry:    cfg.Registry,
		attachments: make(map[string]*attachment),
		viewOwners:  make(map[string]string),
		related:     make(map[string]struct{}),
	}

	manager, err := transport.NewManager(transport.ManagerConfig{
		Dialer:      cfg.Dialer,
		Backoff:     cfg.Backoff,
		Logger:      logger,
		OnMessage:   workspace.dispatch,
		OnConnected: func(transport.Transport) { workspace.resyncAll() },
	})
	if err != nil {
		return nil, err
	}
	workspace.manager = manager

	relationCfg := cfg.Relations
	relationCfg.Hooks = workspace
	if relationCfg.Logger == nil {
		relationCfg.Logger = logger
	}
	relations, err := relation.NewCache(relationCfg)
	if err != nil {
		return nil, err
	}
	workspace.relations = relations

	engine, err := view.NewEngine(view.EngineConfig{
		Registry:  cfg.Registry,
		Relations: relations,
		Logger:    logger,
	})
	if err != nil {
		relations.Close()
		return nil, err
	}
	workspace.engine = engine
	return workspace, nil
}

// Run keeps the authority connection alive and renews presence until ctx ends.
func (workspace *Workspace) Run(ctx context.Context) error {
	stopLogging := workspace.manager.OnState(func(state transport.State) {
		workspace.logger.Info("connection state changed", zap.String("state", state.String()))
	})
	defer stopLogging()

	renewCtx, stopRenewing := context.WithCancel(ctx)
	var renewing sync.WaitGroup
	renewing.Add(1)
	go func() {
		defer renewing.Done()
		workspace.renewPresence(renewCtx)
	}()

	err := workspace.manager.Run(ctx)
	stopRenewing()
	renewing.Wait()
	return err
}

// State returns the connection state.
func (workspace *Workspace) State() transport.State {
	return workspace.manager.State()
}

// Reconnect skips a pending backoff delay.
func (workspace *Workspace) Reconnect() {
	workspace.manager.Reconnect()
}

// Relations exposes the relation cache.
func (workspace *Workspace) Relations() *relation.Cache {
	return workspace.relations
}

// Attach opens objectID and starts synchronizing it. Attaching an attached object
// takes another reference; each Attach is paired with a Detach.
func (workspace *Workspace) Attach(ctx context.Context, objectID string) (*crdt.Doc, error) {
	workspace.mu.Lock()
	if workspace.closed {
		workspace.mu.Unlock()
		return nil, syncproto.ErrSessionClosed
	}
	if existing, ok := workspace.attachments[objectID]; ok {
		existing.refs++
		workspace.mu.Unlock()
		if doc, live := workspace.registry.Get(objectID); live {
			return doc, nil
		}
		workspace.mu.Lock()
		existing.refs--
		workspace.mu.Unlock()
		return nil, ErrNotAttached
	}
	workspace.mu.Unlock()

	doc, err := workspace.registry.Open(ctx, objectID)
	if err != nil {
		return nil, err
	}
	var resume protocol.MessageID
	if workspace.cfg.Store != nil {
		if resume, err = workspace.cfg.Store.LastMessageID(ctx, objectID); err != nil {
			workspace.logError("attach", "resume_token_failed", err, zap.String("object_id", objectID))
		}
	}

	presence := awareness.New(awareness.Config{ClientID: doc.ClientID()})
	session, err := syncproto.NewSession(syncproto.SessionConfig{
		ObjectID:      objectID,
		CollabType:    collabTypeOf(doc),
		Doc:           doc,
		Awareness:     presence,
		Sender:        syncproto.SenderFunc(workspace.send),
		LastMessageID: resume,
		OnMessageID: func(id protocol.MessageID) {
			workspace.persistResumeToken(objectID, id)
		},
		OnAccessRevoked: workspace.accessRevoked,
		Batcher:         workspace.cfg.Batcher,
		Logger:          workspace.logger,
	})
	if err != nil {
		_ = workspace.registry.Close(objectID)
		return nil, err
	}

	workspace.mu.Lock()
	if existing, ok := workspace.attachments[objectID]; ok {
		// Lost a race with a concurrent Attach of the same object.
		existing.refs++
		workspace.mu.Unlock()
		_ = workspace.registry.Close(objectID)
		return doc, nil
	}
	stopObserving := doc.OnUpdate(func([]byte, crdt.Origin) {
		workspace.invalidateRelations(objectID, doc)
	})
	workspace.attachments[objectID] = &attachment{session: session, awareness: presence, stopObserving: stopObserving, refs: 1}
	workspace.mu.Unlock()

	if err := session.Start(); err != nil {
		workspace.logError("attach", "start_failed", err, zap.String("object_id", objectID))
	}
	return doc, nil
}

// Detach releases one reference taken by Attach. The last release closes the session
// and hands the document back to the registry.
func (workspace *Workspace) Detach(objectID string) error {
	workspace.mu.Lock()
	existing, ok := workspace.attachments[objectID]
	if !ok {
		workspace.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAttached, objectID)
	}
	existing.refs--
	if existing.refs > 0 {
		workspace.mu.Unlock()
		return nil
	}
	delete(workspace.attachments, objectID)
	workspace.mu.Unlock()

	closeErr := existing.close()
	if err := workspace.registry.Close(objectID); err != nil && !errors.Is(err, docs.ErrNotOpen) {
		return err
	}
	return closeErr
}

// Flush sends the buffered updates of objectID without waiting for the batch window.
func (workspace *Workspace) Flush(objectID string) error {
	workspace.mu.Lock()
	existing, ok := workspace.attachments[objectID]
	workspace.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, objectID)
	}
	return existing.session.Flush()
}

// SetPresence publishes the local awareness state of objectID.
func (workspace *Workspace) SetPresence(objectID string, state any) error {
	workspace.mu.Lock()
	existing, ok := workspace.attachments[objectID]
	workspace.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, objectID)
	}
	return existing.awareness.SetLocalState(state)
}

// Presence returns the awareness of an attached object.
func (workspace *Workspace) Presence(objectID string) (*awareness.Awareness, bool) {
	workspace.mu.Lock()
	defer workspace.mu.Unlock()
	existing, ok := workspace.attachments[objectID]
	if !ok {
		return nil, false
	}
	return existing.awareness, true
}

// Attached lists the attached object ids in ascending order.
func (workspace *Workspace) Attached() []string {
	workspace.mu.Lock()
	defer workspace.mu.Unlock()
	ids := make([]string, 0, len(workspace.attachments))
	for objectID := range workspace.attachments {
		ids = append(ids, objectID)
	}
	sort.Strings(ids)
	return ids
}

// ComputeView projects viewID of databaseGUID. With wait set, relation and rollup
// cells are resolved before filtering instead of read from the cache.
func (workspace *Workspace) ComputeView(ctx context.Context, databaseGUID, viewID string, wait bool) (view.Projection, error) {
	engine := workspace.engine
	if wait {
		var err error
		engine, err = view.NewEngine(view.EngineConfig{
			Registry:         workspace.registry,
			Relations:        workspace.relations,
			WaitForRelations: true,
			Logger:           workspace.logger,
		})
		if err != nil {
			return view.Projection{}, err
		}
	}
	return engine.Compute(ctx, databaseGUID, viewID)
}

// Close detaches every object, releases relation handles and stops the relation cache.
func (workspace *Workspace) Close() error {
	workspace.mu.Lock()
	if workspace.closed {
		workspace.mu.Unlock()
		return nil
	}
	workspace.closed = true
	attachments := workspace.attachments
	workspace.attachments = make(map[string]*attachment)
	workspace.related = make(map[string]struct{})
	workspace.mu.Unlock()

	workspace.relations.Close()
	var errs []error
	for objectID, current := range attachments {
		if err := current.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", objectID, err))
		}
		if err := workspace.registry.Close(objectID); err != nil && !errors.Is(err, docs.ErrNotOpen) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (workspace *Workspace) send(payload []byte) error {
	err := workspace.manager.Send(payload)
	if errors.Is(err, transport.ErrNotConnected) {
		// Offline edits are reconciled by the state vector exchange after reconnect.
		workspace.logger.Debug("dropping message while offline")
		return nil
	}
	return err
}

func (workspace *Workspace) dispatch(payload []byte) {
	message, err := protocol.Decode(payload)
	if err != nil {
		workspace.logError("dispatch", "malformed", err)
		return
	}
	workspace.mu.Lock()
	existing, ok := workspace.attachments[message.ObjectID]
	workspace.mu.Unlock()
	if !ok {
		workspace.logger.Debug("message for detached object", zap.String("object_id", message.ObjectID))
		return
	}
	if err := existing.session.HandleMessage(message); err != nil && !errors.Is(err, syncproto.ErrSessionClosed) {
		workspace.logError("dispatch", "handle_failed", err, zap.String("object_id", message.ObjectID))
	}
}

func (workspace *Workspace) resyncAll() {
	workspace.mu.Lock()
	sessions := make([]*syncproto.Session, 0, len(workspace.attachments))
	for _, current := range workspace.attachments {
		sessions = append(sessions, current.session)
	}
	workspace.mu.Unlock()
	for _, session := range sessions {
		if err := session.Resync(); err != nil {
			workspace.logError("resync", "send_failed", err, zap.String("object_id", session.ObjectID()))
		}
	}
}

func (workspace *Workspace) renewPresence(ctx context.Context) {
	ticker := time.NewTicker(workspace.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workspace.mu.Lock()
			presences := make([]*awareness.Awareness, 0, len(workspace.attachments))
			for _, current := range workspace.attachments {
				presences = append(presences, current.awareness)
			}
			workspace.mu.Unlock()
			for _, presence := range presences {
				presence.Renew()
				presence.RemoveOutdated()
			}
		}
	}
}

func (workspace *Workspace) persistResumeToken(objectID string, id protocol.MessageID) {
	if workspace.cfg.Store == nil {
		return
	}
	if err := workspace.cfg.Store.SetLastMessageID(context.Background(), objectID, id); err != nil {
		workspace.logError("persist_resume_token", "store_failed", err, zap.String("object_id", objectID))
	}
}

func (workspace *Workspace) accessRevoked(objectID, reason string) {
	workspace.mu.Lock()
	revoked, ok := workspace.attachments[objectID]
	delete(workspace.attachments, objectID)
	delete(workspace.related, objectID)
	for viewID, owner := range workspace.viewOwners {
		if owner == objectID {
			delete(workspace.viewOwners, viewID)
		}
	}
	workspace.mu.Unlock()

	workspace.logger.Warn("object access revoked", zap.String("object_id", objectID), zap.String("reason", reason))
	if ok {
		revoked.stopObserving()
		workspace.relations.InvalidateDependents(objectID)
		if err := workspace.registry.Evict(context.Background(), objectID); err != nil {
			workspace.logError("revoke_access", "evict_failed", err, zap.String("object_id", objectID))
		}
	}
	if workspace.cfg.OnAccessRevoked != nil {
		workspace.cfg.OnAccessRevoked(objectID, reason)
	}
}

// invalidateRelations drops relation and rollup cells that an update of objectID may
// have changed: cells of the row itself and cells computed from the document.
func (workspace *Workspace) invalidateRelations(objectID string, doc *crdt.Doc) {
	invalidated := workspace.relations.InvalidateDependents(objectID)
	if row, ok := fields.RowMap(doc); ok {
		if rowID := row.GetString(fields.KeyID); rowID != "" {
			invalidated += workspace.relations.InvalidateRow(rowID)
		}
	}
	if invalidated > 0 {
		workspace.logger.Debug("relation cells invalidated", zap.String("object_id", objectID), zap.Int("cells", invalidated))
	}
}

func (workspace *Workspace) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	workspace.logger.Error("workspace operation failed", allFields...)
}

// collabTypeOf tags envelopes by the layout replayed from local storage. Documents
// never seen before go out as plain documents until they are attached again.
func collabTypeOf(doc *crdt.Doc) protocol.CollabType {
	if _, ok := fields.DatabaseMap(doc); ok {
		return protocol.CollabDatabase
	}
	if _, ok := fields.RowMap(doc); ok {
		return protocol.CollabDatabaseRow
	}
	return protocol.CollabDocument
}
