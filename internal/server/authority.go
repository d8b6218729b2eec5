package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/syncproto"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/transport"
)

const (
	reasonForbidden = "forbidden"
	reasonRevoked   = "revoked"
	shutdownReason  = "shutdown"
)

var errMissingRegistry = errors.New("document registry dependency required")

// AccessPolicy decides which objects a replica may read.
type AccessPolicy interface {
	CanRead(claims auth.AccessClaims, objectID string) bool
}

// AccessPolicyFunc adapts a function to AccessPolicy.
type AccessPolicyFunc func(claims auth.AccessClaims, objectID string) bool

// CanRead calls fn(claims, objectID).
func (fn AccessPolicyFunc) CanRead(claims auth.AccessClaims, objectID string) bool {
	return fn(claims, objectID)
}

// ClaimsPolicy grants the objects listed in the access token.
type ClaimsPolicy struct{}

// CanRead defers to the token's object grants.
func (ClaimsPolicy) CanRead(claims auth.AccessClaims, objectID string) bool {
	return claims.CanRead(objectID)
}

// AuthorityConfig configures an Authority.
type AuthorityConfig struct {
	Registry *docs.Registry
	Policy   AccessPolicy
	Batcher  syncproto.BatcherConfig
	// PruneInterval is how often silent awareness states are dropped.
	PruneInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Authority is the sync peer every replica reconciles against. Each object is hosted
// once through the registry; every connection gets its own session per object, so an
// update applied from one connection is relayed to the others by the document itself.
type Authority struct {
	registry      *docs.Registry
	policy        AccessPolicy
	batcher       syncproto.BatcherConfig
	pruneInterval time.Duration
	logger        *zap.Logger
	stamper       *messageStamper
	nextConn      atomic.Uint64

	mu          sync.Mutex
	rooms       map[string]*room
	connections map[uint64]*connection
}

type room struct {
	awareness *awareness.Awareness
	members   int
}

// NewAuthority validates cfg.
func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	policy := cfg.Policy
	if policy == nil {
		policy = ClaimsPolicy{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = awareness.DefaultOutdatedTimeout / 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{
		registry:      cfg.Registry,
		policy:        policy,
		batcher:       cfg.Batcher,
		pruneInterval: pruneInterval,
		logger:        logger,
		stamper:       newMessageStamper(clock),
		rooms:         make(map[string]*room),
		connections:   make(map[uint64]*connection),
	}, nil
}

// Run prunes silent awareness states until ctx is cancelled, then closes every
// connection.
func (authority *Authority) Run(ctx context.Context) error {
	ticker := time.NewTicker(authority.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			authority.closeAll()
			return ctx.Err()
		case <-ticker.C:
			authority.pruneAwareness()
		}
	}
}

// Serve runs one replica connection until its transport closes or ctx is cancelled.
func (authority *Authority) Serve(ctx context.Context, peer transport.Transport, claims auth.AccessClaims) error {
	conn := &connection{
		authority: authority,
		id:        authority.nextConn.Add(1),
		peer:      peer,
		claims:    claims,
		sessions:  make(map[string]*objectSession),
	}
	conn.origin = crdt.Origin(fmt.Sprintf("remote:%d", conn.id))
	conn.logger = authority.logger.With(zap.Uint64("connection_id", conn.id), zap.String("subject", claims.Subject))

	authority.mu.Lock()
	authority.connections[conn.id] = conn
	authority.mu.Unlock()
	activeConnections.Inc()
	conn.logger.Info("replica connected")
	defer func() {
		authority.mu.Lock()
		delete(authority.connections, conn.id)
		authority.mu.Unlock()
		conn.closeAll()
		activeConnections.Dec()
		conn.logger.Info("replica disconnected")
	}()

	incoming := peer.Incoming()
	for {
		select {
		case <-ctx.Done():
			_ = peer.Close(transport.CloseGoingAway, shutdownReason)
			return ctx.Err()
		case payload, ok := <-incoming:
			if !ok {
				return nil
			}
			conn.handle(ctx, payload)
		}
	}
}

// Revoke withdraws read access to objectID from every connection, telling each replica
// to drop its copy. It returns the number of sessions closed.
func (authority *Authority) Revoke(objectID, reason string) int {
	if reason == "" {
		reason = reasonRevoked
	}
	authority.mu.Lock()
	connections := make([]*connection, 0, len(authority.connections))
	for _, conn := range authority.connections {
		connections = append(connections, conn)
	}
	authority.mu.Unlock()

	revoked := 0
	for _, conn := range connections {
		if conn.revoke(objectID, reason) {
			revoked++
		}
	}
	return revoked
}

// Connections returns the number of connected replicas.
func (authority *Authority) Connections() int {
	authority.mu.Lock()
	defer authority.mu.Unlock()
	return len(authority.connections)
}

func (authority *Authority) join(objectID string) *awareness.Awareness {
	authority.mu.Lock()
	defer authority.mu.Unlock()
	current, ok := authority.rooms[objectID]
	if !ok {
		current = &room{awareness: awareness.New(awareness.Config{})}
		authority.rooms[objectID] = current
	}
	current.members++
	return current.awareness
}

func (authority *Authority) leave(objectID string) {
	authority.mu.Lock()
	defer authority.mu.Unlock()
	current, ok := authority.rooms[objectID]
	if !ok {
		return
	}
	current.members--
	if current.members <= 0 {
		delete(authority.rooms, objectID)
	}
}

func (authority *Authority) pruneAwareness() {
	authority.mu.Lock()
	rooms := make([]*awareness.Awareness, 0, len(authority.rooms))
	for _, current := range authority.rooms {
		rooms = append(rooms, current.awareness)
	}
	authority.mu.Unlock()
	for _, instance := range rooms {
		if removed := instance.RemoveOutdated(); len(removed) > 0 {
			authority.logger.Debug("awareness states timed out", zap.Int("clients", len(removed)))
		}
	}
}

func (authority *Authority) closeAll() {
	authority.mu.Lock()
	connections := make([]*connection, 0, len(authority.connections))
	for _, conn := range authority.connections {
		connections = append(connections, conn)
	}
	authority.mu.Unlock()
	for _, conn := range connections {
		_ = conn.peer.Close(transport.CloseGoingAway, shutdownReason)
	}
}

type connection struct {
	authority *Authority
	id        uint64
	peer      transport.Transport
	claims    auth.AccessClaims
	origin    crdt.Origin
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*objectSession
}

type objectSession struct {
	session       *syncproto.Session
	awareness     *awareness.Awareness
	clients       map[uint64]struct{}
	stopObserving func()
}

func (conn *connection) handle(ctx context.Context, payload []byte) {
	message, err := protocol.Decode(payload)
	if err != nil {
		inboundMessages.WithLabelValues("malformed").Inc()
		conn.logError("decode_message", "malformed", err)
		return
	}
	current, err := conn.sessionFor(ctx, message)
	if err != nil {
		inboundMessages.WithLabelValues("rejected").Inc()
		conn.logError("open_session", "open_failed", err, zap.String("object_id", message.ObjectID))
		return
	}
	if current == nil {
		inboundMessages.WithLabelValues("denied").Inc()
		return
	}
	if err := current.session.HandleMessage(message); err != nil {
		inboundMessages.WithLabelValues("failed").Inc()
		conn.logError("handle_message", "apply_failed", err, zap.String("object_id", message.ObjectID))
		return
	}
	inboundMessages.WithLabelValues("applied").Inc()
}

// sessionFor returns the session for the message's object, opening it on first use. A
// nil session without error means access was denied.
func (conn *connection) sessionFor(ctx context.Context, message protocol.Message) (*objectSession, error) {
	conn.mu.Lock()
	existing, ok := conn.sessions[message.ObjectID]
	conn.mu.Unlock()
	if ok {
		return existing, nil
	}
	if message.ObjectID == "" {
		return nil, docs.ErrInvalidGUID
	}

	if !conn.authority.policy.CanRead(conn.claims, message.ObjectID) {
		accessDenials.WithLabelValues(reasonForbidden).Inc()
		conn.logger.Info("object access denied", zap.String("object_id", message.ObjectID))
		return nil, conn.sendAccessChanged(message, reasonForbidden)
	}

	doc, err := conn.authority.registry.Open(ctx, message.ObjectID)
	if err != nil {
		return nil, err
	}
	shared := conn.authority.join(message.ObjectID)
	created := &objectSession{awareness: shared, clients: make(map[uint64]struct{})}
	created.stopObserving = shared.Observe(func(change awareness.Change, origin crdt.Origin) {
		if origin != conn.origin {
			return
		}
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, client := range change.Added {
			created.clients[client] = struct{}{}
		}
		for _, client := range change.Updated {
			created.clients[client] = struct{}{}
		}
		for _, client := range change.Removed {
			delete(created.clients, client)
		}
	})

	session, err := syncproto.NewSession(syncproto.SessionConfig{
		ObjectID:       message.ObjectID,
		CollabType:     message.CollabType,
		Doc:            doc,
		Awareness:      shared,
		Sender:         conn.peer,
		RemoteOrigin:   conn.origin,
		Authority:      true,
		StampMessageID: conn.authority.stamper.next,
		Batcher:        conn.authority.batcher,
		Logger:         conn.logger,
	})
	if err == nil {
		err = session.Start()
	}
	if err != nil {
		created.stopObserving()
		conn.authority.leave(message.ObjectID)
		_ = conn.authority.registry.Close(message.ObjectID)
		return nil, err
	}
	created.session = session

	conn.mu.Lock()
	conn.sessions[message.ObjectID] = created
	conn.mu.Unlock()
	activeSessions.Inc()
	return created, nil
}

func (conn *connection) sendAccessChanged(message protocol.Message, reason string) error {
	encoded, err := protocol.Encode(protocol.Message{
		ObjectID:   message.ObjectID,
		CollabType: message.CollabType,
		Body:       protocol.AccessChanged{CanRead: false, Reason: reason},
	})
	if err != nil {
		return err
	}
	return conn.peer.Send(encoded)
}

func (conn *connection) revoke(objectID, reason string) bool {
	conn.mu.Lock()
	current, ok := conn.sessions[objectID]
	if ok {
		delete(conn.sessions, objectID)
	}
	conn.mu.Unlock()
	if !ok {
		return false
	}
	accessDenials.WithLabelValues(reason).Inc()
	if err := conn.sendAccessChanged(protocol.Message{ObjectID: objectID}, reason); err != nil {
		conn.logError("revoke_access", "send_failed", err, zap.String("object_id", objectID))
	}
	conn.release(objectID, current)
	return true
}

func (conn *connection) closeAll() {
	conn.mu.Lock()
	sessions := conn.sessions
	conn.sessions = make(map[string]*objectSession)
	conn.mu.Unlock()
	for objectID, current := range sessions {
		conn.release(objectID, current)
	}
}

// release closes the session, withdraws the presence states this connection announced
// and gives the document back to the registry.
func (conn *connection) release(objectID string, current *objectSession) {
	if err := current.session.Close(); err != nil {
		conn.logError("close_session", "flush_failed", err, zap.String("object_id", objectID))
	}
	current.stopObserving()

	conn.mu.Lock()
	clients := make([]uint64, 0, len(current.clients))
	for client := range current.clients {
		clients = append(clients, client)
	}
	conn.mu.Unlock()
	current.awareness.RemoveStates(clients, conn.origin)

	conn.authority.leave(objectID)
	if err := conn.authority.registry.Close(objectID); err != nil {
		conn.logError("close_session", "release_failed", err, zap.String("object_id", objectID))
	}
	activeSessions.Dec()
}

func (conn *connection) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	conn.logger.Error("authority operation failed", allFields...)
}
