// Package syncproto reconciles one replicated document with a peer: the state-vector
// handshake, inbound update application with missing-dependency resync, batched
// outbound local updates and awareness relay.
package syncproto

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/protocol"
)

var (
	// ErrUnknownUpdateFlags indicates an update whose encoding variant is not known.
	ErrUnknownUpdateFlags = errors.New("syncproto: unknown update flags")
	// ErrObjectMismatch indicates a message addressed to another object.
	ErrObjectMismatch = errors.New("syncproto: object id mismatch")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("syncproto: session closed")
	// ErrMissingDoc indicates a session configured without a document.
	ErrMissingDoc = errors.New("syncproto: document is required")
	// ErrMissingSender indicates a session configured without a sender.
	ErrMissingSender = errors.New("syncproto: sender is required")
)

// Sender delivers encoded envelopes to the peer.
type Sender interface {
	Send(payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(payload []byte) error

// Send calls fn(payload).
func (fn SenderFunc) Send(payload []byte) error {
	return fn(payload)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	ObjectID   string
	CollabType protocol.CollabType
	Doc        *crdt.Doc
	Awareness  *awareness.Awareness
	Sender     Sender
	// RemoteOrigin tags updates applied from this session's peer. Sessions sharing one
	// document must use distinct origins.
	RemoteOrigin crdt.Origin
	// Authority sessions answer a SyncRequest with their own SyncRequest so the peer
	// uploads what the authority is missing.
	Authority bool
	// LastMessageID seeds the resume token sent with SyncRequest.
	LastMessageID protocol.MessageID
	// OnMessageID is called whenever the resume token advances.
	OnMessageID func(protocol.MessageID)
	// StampMessageID assigns ids to outbound updates. Only the authority stamps.
	StampMessageID func() protocol.MessageID
	// OnAccessRevoked is called after the document was destroyed in response to a
	// revoked read permission.
	OnAccessRevoked func(objectID string, reason string)
	Batcher         BatcherConfig
	Logger          *zap.Logger
}

// Session is the message-level state machine for one document and one peer.
type Session struct {
	cfg     SessionConfig
	logger  *zap.Logger
	batcher *Batcher

	mu            sync.Mutex
	started       bool
	closed        bool
	lastMessageID protocol.MessageID
	unsubscribe   []func()
}

// NewSession validates cfg and constructs an unstarted session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Doc == nil {
		return nil, ErrMissingDoc
	}
	if cfg.Sender == nil {
		return nil, ErrMissingSender
	}
	if cfg.ObjectID == "" {
		cfg.ObjectID = cfg.Doc.GUID()
	}
	if cfg.RemoteOrigin == "" {
		cfg.RemoteOrigin = crdt.OriginRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("object_id", cfg.ObjectID))

	session := &Session{cfg: cfg, logger: logger, lastMessageID: cfg.LastMessageID}
	batcherCfg := cfg.Batcher
	if batcherCfg.OnError == nil {
		batcherCfg.OnError = func(err error) {
			session.logError("flush_updates", "deliver_failed", err)
		}
	}
	session.batcher = NewBatcher(batcherCfg, session.sendUpdate)
	return session, nil
}

// ObjectID returns the id of the synchronized object.
func (session *Session) ObjectID() string {
	return session.cfg.ObjectID
}

// LastMessageID returns the highest message id received so far.
func (session *Session) LastMessageID() protocol.MessageID {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.lastMessageID
}

// Start subscribes to local changes, sends the initial SyncRequest and announces the
// full awareness state once. Authority sessions wait for the peer's SyncRequest instead.
func (session *Session) Start() error {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return ErrSessionClosed
	}
	if session.started {
		session.mu.Unlock()
		return nil
	}
	session.started = true
	session.unsubscribe = append(session.unsubscribe, session.cfg.Doc.OnUpdate(session.onLocalUpdate))
	if session.cfg.Awareness != nil {
		session.unsubscribe = append(session.unsubscribe, session.cfg.Awareness.Observe(session.onAwarenessChange))
	}
	session.mu.Unlock()

	if !session.cfg.Authority {
		if err := session.SendSyncRequest(); err != nil {
			return err
		}
	}
	if session.cfg.Awareness != nil {
		if full := session.cfg.Awareness.EncodeFull(); len(full) > 0 {
			return session.send(protocol.AwarenessUpdate{Payload: full})
		}
	}
	return nil
}

// SendSyncRequest sends the current state vector and resume token.
func (session *Session) SendSyncRequest() error {
	return session.send(protocol.SyncRequest{
		StateVector:   session.cfg.Doc.EncodeStateVector(),
		LastMessageID: session.LastMessageID(),
	})
}

// Resync re-announces the session after the transport reconnected.
func (session *Session) Resync() error {
	if err := session.batcher.Flush(); err != nil {
		session.logError("resync", "flush_failed", err)
	}
	return session.SendSyncRequest()
}

// HandleMessage processes one inbound envelope. Messages must be handed over in
// receipt order.
func (session *Session) HandleMessage(message protocol.Message) error {
	if session.isClosed() {
		return ErrSessionClosed
	}
	if message.ObjectID != session.cfg.ObjectID {
		return fmt.Errorf("%w: got %q, want %q", ErrObjectMismatch, message.ObjectID, session.cfg.ObjectID)
	}

	switch body := message.Body.(type) {
	case protocol.Update:
		return session.handleUpdate(body)
	case protocol.SyncRequest:
		return session.handleSyncRequest(body)
	case protocol.AwarenessUpdate:
		return session.handleAwareness(body)
	case protocol.AccessChanged:
		return session.handleAccessChanged(body)
	default:
		return fmt.Errorf("%w: unsupported body %T", protocol.ErrMalformedMessage, message.Body)
	}
}

func (session *Session) handleUpdate(update protocol.Update) error {
	var err error
	switch update.Flags {
	case protocol.FlagsV1:
		err = session.cfg.Doc.ApplyUpdate(update.Payload, session.cfg.RemoteOrigin)
	case protocol.FlagsV2:
		err = session.cfg.Doc.ApplyUpdateV2(update.Payload, session.cfg.RemoteOrigin)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownUpdateFlags, update.Flags)
	}
	if err != nil {
		return fmt.Errorf("syncproto: apply update: %w", err)
	}

	session.advanceMessageID(update.MessageID)
	if session.cfg.Doc.HasPending() {
		session.logger.Debug("missing dependencies after update, requesting resync")
		return session.SendSyncRequest()
	}
	return nil
}

func (session *Session) handleSyncRequest(request protocol.SyncRequest) error {
	payload, err := session.cfg.Doc.EncodeStateAsUpdate(request.StateVector)
	if err != nil {
		return fmt.Errorf("syncproto: answer sync request: %w", err)
	}
	if err := session.sendUpdate(payload); err != nil {
		return err
	}
	if session.cfg.Authority {
		return session.SendSyncRequest()
	}
	return nil
}

func (session *Session) handleAwareness(update protocol.AwarenessUpdate) error {
	if session.cfg.Awareness == nil {
		session.logger.Warn("awareness update received without local awareness")
		return nil
	}
	return session.cfg.Awareness.ApplyUpdate(update.Payload, session.cfg.RemoteOrigin)
}

func (session *Session) handleAccessChanged(change protocol.AccessChanged) error {
	if change.CanRead {
		return nil
	}
	session.logger.Info("read access revoked", zap.String("reason", change.Reason))
	session.batcher.Discard()
	session.teardown()
	session.cfg.Doc.Destroy()
	if session.cfg.OnAccessRevoked != nil {
		session.cfg.OnAccessRevoked(session.cfg.ObjectID, change.Reason)
	}
	return nil
}

// Flush sends buffered local updates without waiting for the batch window.
func (session *Session) Flush() error {
	return session.batcher.Flush()
}

// Close flushes buffered updates, clears the local awareness state and detaches from
// the document.
func (session *Session) Close() error {
	if session.isClosed() {
		return nil
	}
	flushErr := session.batcher.Close()
	if session.cfg.Awareness != nil && !session.cfg.Authority && session.cfg.Awareness.LocalState() != nil {
		if err := session.cfg.Awareness.SetLocalState(nil); err != nil {
			session.logError("close", "clear_awareness_failed", err)
		}
	}
	session.teardown()
	return flushErr
}

func (session *Session) teardown() {
	session.mu.Lock()
	session.closed = true
	unsubscribe := session.unsubscribe
	session.unsubscribe = nil
	session.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
}

func (session *Session) isClosed() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.closed
}

func (session *Session) onLocalUpdate(update []byte, origin crdt.Origin) {
	if origin == session.cfg.RemoteOrigin || origin == crdt.OriginPersistence {
		return
	}
	session.batcher.Add(update)
}

func (session *Session) onAwarenessChange(change awareness.Change, origin crdt.Origin) {
	if origin == session.cfg.RemoteOrigin {
		return
	}
	payload := session.cfg.Awareness.EncodeUpdate(change.Clients())
	if err := session.send(protocol.AwarenessUpdate{Payload: payload}); err != nil {
		session.logError("send_awareness", "send_failed", err)
	}
}

func (session *Session) advanceMessageID(id protocol.MessageID) {
	if id.IsZero() {
		return
	}
	session.mu.Lock()
	advanced := id.Compare(session.lastMessageID) > 0
	if advanced {
		session.lastMessageID = id
	}
	session.mu.Unlock()
	if advanced && session.cfg.OnMessageID != nil {
		session.cfg.OnMessageID(id)
	}
}

func (session *Session) sendUpdate(payload []byte) error {
	update := protocol.Update{Flags: protocol.FlagsV1, Payload: payload}
	if session.cfg.StampMessageID != nil {
		update.MessageID = session.cfg.StampMessageID()
	}
	return session.send(update)
}

func (session *Session) send(body protocol.Body) error {
	encoded, err := protocol.Encode(protocol.Message{
		ObjectID:   session.cfg.ObjectID,
		CollabType: session.cfg.CollabType,
		Body:       body,
	})
	if err != nil {
		return err
	}
	return session.cfg.Sender.Send(encoded)
}

func (session *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	session.logger.Error("sync session operation failed", allFields...)
}
