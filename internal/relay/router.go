// Package relay contains the core of the system: the reply router, the
// per-credential worker sessions, and the supervisor that owns their
// lifecycle.
package relay

import (
	"context"
	"sync"
)

// MappingStore is the durable side of the router.
type MappingStore interface {
	InsertMapping(ctx context.Context, ownerID, replyHandle, senderID int64) error
	Mapping(ctx context.Context, ownerID, replyHandle int64) (int64, bool, error)
}

type mappingKey struct {
	ownerID     int64
	replyHandle int64
}

// Router resolves a reply handle (the id of a forwarded copy as seen by the
// owner) back to the original sender. An in-memory cache sits over the
// store for the hot lookup path; entries are never evicted, which is
// bounded in practice by per-tenant chat volume.
type Router struct {
	store MappingStore

	mu    sync.RWMutex
	cache map[mappingKey]int64
}

func NewRouter(store MappingStore) *Router {
	return &Router{
		store: store,
		cache: make(map[mappingKey]int64),
	}
}

// Resolve returns the sender a reply to replyHandle must be routed to.
func (r *Router) Resolve(ctx context.Context, ownerID, replyHandle int64) (int64, bool, error) {
	key := mappingKey{ownerID: ownerID, replyHandle: replyHandle}

	r.mu.RLock()
	senderID, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return senderID, true, nil
	}

	senderID, ok, err := r.store.Mapping(ctx, ownerID, replyHandle)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	r.mu.Lock()
	if cached, exists := r.cache[key]; exists {
		senderID = cached
	} else {
		r.cache[key] = senderID
	}
	r.mu.Unlock()
	return senderID, true, nil
}

// Record stores the mapping write-through: cache first, then the idempotent
// store insert. First write wins on both layers; a replayed update never
// repoints an existing mapping.
func (r *Router) Record(ctx context.Context, ownerID, replyHandle, senderID int64) error {
	key := mappingKey{ownerID: ownerID, replyHandle: replyHandle}

	r.mu.Lock()
	if _, exists := r.cache[key]; !exists {
		r.cache[key] = senderID
	}
	r.mu.Unlock()

	return r.store.InsertMapping(ctx, ownerID, replyHandle, senderID)
}
