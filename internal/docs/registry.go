// Package docs owns live replicated document instances: at most one per guid, opened
// through the local store and released by reference count.
package docs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/storage"
)

var (
	// ErrInvalidGUID indicates an empty document guid.
	ErrInvalidGUID = errors.New("docs: invalid guid")
	// ErrNotOpen indicates a Close for a guid that has no live instance.
	ErrNotOpen = errors.New("docs: document not open")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Store persists every opened document. A nil store keeps documents in memory only.
	Store *storage.Store
	// ClientID is stamped on every document the registry creates; zero draws one per
	// document.
	ClientID uint64
	// OnOpen runs once for every newly created instance, after local replay.
	OnOpen func(ctx context.Context, doc *crdt.Doc)
	Logger *zap.Logger
}

type entry struct {
	doc     *crdt.Doc
	binding *storage.Binding
	refs    int
}

// Registry memoizes document instances by guid.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger, entries: make(map[string]*entry)}
}

// Open returns the live instance for guid, creating it and replaying its stored log on
// first use. Every successful Open must be paired with a Close.
func (registry *Registry) Open(ctx context.Context, guid string) (*crdt.Doc, error) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, ErrInvalidGUID
	}
	for {
		registry.mu.Lock()
		if existing, ok := registry.entries[guid]; ok && !existing.doc.Destroyed() {
			existing.refs++
			registry.mu.Unlock()
			return existing.doc, nil
		}
		registry.mu.Unlock()

		_, err, _ := registry.flight.Do(guid, func() (any, error) {
			return registry.create(ctx, guid)
		})
		if err != nil {
			return nil, err
		}
	}
}

func (registry *Registry) create(ctx context.Context, guid string) (*entry, error) {
	registry.mu.Lock()
	if existing, ok := registry.entries[guid]; ok && !existing.doc.Destroyed() {
		registry.mu.Unlock()
		return existing, nil
	}
	registry.mu.Unlock()

	var options []crdt.Option
	if registry.cfg.ClientID != 0 {
		options = append(options, crdt.WithClientID(registry.cfg.ClientID))
	}
	doc := crdt.NewDoc(guid, options...)
	created := &entry{doc: doc}
	if registry.cfg.Store != nil {
		binding, err := registry.cfg.Store.Open(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("docs: open %s: %w", guid, err)
		}
		created.binding = binding
	}
	doc.OnDestroy(func() {
		registry.forget(guid, created)
	})

	registry.mu.Lock()
	registry.entries[guid] = created
	registry.mu.Unlock()
	registry.logger.Debug("document opened", zap.String("guid", guid))

	if registry.cfg.OnOpen != nil {
		registry.cfg.OnOpen(ctx, doc)
	}
	return created, nil
}

func (registry *Registry) forget(guid string, target *entry) {
	registry.mu.Lock()
	if current, ok := registry.entries[guid]; ok && current == target {
		delete(registry.entries, guid)
	}
	registry.mu.Unlock()
	if target.binding != nil {
		target.binding.Close()
	}
}

// Get returns the live instance for guid without taking a reference.
func (registry *Registry) Get(guid string) (*crdt.Doc, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	existing, ok := registry.entries[guid]
	if !ok || existing.doc.Destroyed() {
		return nil, false
	}
	return existing.doc, true
}

// Close releases one reference. The last release detaches the document from storage
// and destroys the instance.
func (registry *Registry) Close(guid string) error {
	registry.mu.Lock()
	existing, ok := registry.entries[guid]
	if !ok {
		registry.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, guid)
	}
	existing.refs--
	last := existing.refs <= 0
	if last {
		// A concurrent Open must create a new instance instead of reviving this one.
		delete(registry.entries, guid)
	}
	registry.mu.Unlock()
	if last {
		existing.doc.Destroy()
	}
	return nil
}

// Evict destroys the live instance, if any, and purges the document from storage.
func (registry *Registry) Evict(ctx context.Context, guid string) error {
	registry.mu.Lock()
	existing, ok := registry.entries[guid]
	if ok {
		delete(registry.entries, guid)
	}
	registry.mu.Unlock()
	if ok {
		existing.doc.Destroy()
	}
	if registry.cfg.Store == nil {
		return nil
	}
	if err := registry.cfg.Store.Evict(ctx, guid); err != nil {
		return fmt.Errorf("docs: evict %s: %w", guid, err)
	}
	registry.logger.Info("document evicted", zap.String("guid", guid))
	return nil
}

// Len returns the number of live instances.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.entries)
}

// RowKey derives the guid of a row document from its owning database guid and row id.
// The derivation is stable across replicas.
func RowKey(ownerGUID, rowID string) string {
	namespace, err := uuid.Parse(ownerGUID)
	if err != nil {
		namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(ownerGUID))
	}
	return uuid.NewSHA1(namespace, []byte(rowID)).String()
}
