package relation

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
)

// handleCache keeps up to capacity loaded database documents. Concurrent loads of one
// view share a single call; the oldest handle is evicted first.
type handleCache struct {
	capacity int
	load     func(ctx context.Context, viewID string) (*crdt.Doc, error)
	release  func(viewID string)
	flight   singleflight.Group

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

type handleEntry struct {
	viewID string
	doc    *crdt.Doc
}

func newHandleCache(capacity int, load func(context.Context, string) (*crdt.Doc, error), release func(string)) *handleCache {
	return &handleCache{
		capacity: capacity,
		load:     load,
		release:  release,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (cache *handleCache) get(ctx context.Context, viewID string) (*crdt.Doc, error) {
	if doc, ok := cache.lookup(viewID); ok {
		return doc, nil
	}
	result, err, _ := cache.flight.Do(viewID, func() (any, error) {
		if doc, ok := cache.lookup(viewID); ok {
			return doc, nil
		}
		doc, err := cache.load(ctx, viewID)
		if err != nil {
			return nil, err
		}
		cache.insert(viewID, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*crdt.Doc), nil
}

func (cache *handleCache) lookup(viewID string) (*crdt.Doc, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	element, ok := cache.entries[viewID]
	if !ok {
		return nil, false
	}
	handle := element.Value.(*handleEntry)
	if handle.doc.Destroyed() {
		cache.order.Remove(element)
		delete(cache.entries, viewID)
		return nil, false
	}
	return handle.doc, true
}

func (cache *handleCache) insert(viewID string, doc *crdt.Doc) {
	cache.mu.Lock()
	var evicted []string
	cache.entries[viewID] = cache.order.PushBack(&handleEntry{viewID: viewID, doc: doc})
	for cache.order.Len() > cache.capacity {
		oldest := cache.order.Front()
		handle := cache.order.Remove(oldest).(*handleEntry)
		delete(cache.entries, handle.viewID)
		evicted = append(evicted, handle.viewID)
	}
	cache.mu.Unlock()
	if cache.release != nil {
		for _, viewID := range evicted {
			cache.release(viewID)
		}
	}
}

func (cache *handleCache) len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.order.Len()
}
