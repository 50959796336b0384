package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// FilterFunc is an optional predicate applied to change events before a
// subscriber is considered a match.
type FilterFunc func(ChangeEvent) bool

// Subscription maps one connection's interest in an entity type, optionally
// narrowed to a single entity id and a predicate.
type Subscription struct {
	ID           string
	ConnectionID string
	EntityType   string
	// EntityID narrows the subscription to one entity when non-empty.
	EntityID string
	Filter   FilterFunc
}

// SubscriptionManager is a pure indexing structure: it holds no transport
// handles and performs no I/O.
type SubscriptionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Subscription
	byType map[string]map[string]*Subscription
	byConn map[string]map[string]struct{}
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		byID:   make(map[string]*Subscription),
		byType: make(map[string]map[string]*Subscription),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Subscribe registers an interest and returns its subscription id.
func (sm *SubscriptionManager) Subscribe(connectionID, entityType, entityID string, filter FilterFunc) string {
	sub := &Subscription{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		EntityType:   entityType,
		EntityID:     entityID,
		Filter:       filter,
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.byID[sub.ID] = sub

	typed, ok := sm.byType[entityType]
	if !ok {
		typed = make(map[string]*Subscription)
		sm.byType[entityType] = typed
	}
	typed[sub.ID] = sub

	conns, ok := sm.byConn[connectionID]
	if !ok {
		conns = make(map[string]struct{})
		sm.byConn[connectionID] = conns
	}
	conns[sub.ID] = struct{}{}

	return sub.ID
}

// Unsubscribe removes a subscription, reporting whether it existed.
func (sm *SubscriptionManager) Unsubscribe(subscriptionID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sub, ok := sm.byID[subscriptionID]
	if !ok {
		return false
	}
	sm.removeLocked(sub)
	return true
}

// RemoveConnection drops every subscription held by a connection. Called on
// disconnect so no subscription outlives its connection.
func (sm *SubscriptionManager) RemoveConnection(connectionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for subID := range sm.byConn[connectionID] {
		if sub, ok := sm.byID[subID]; ok {
			sm.removeLocked(sub)
		}
	}
}

func (sm *SubscriptionManager) removeLocked(sub *Subscription) {
	delete(sm.byID, sub.ID)
	if typed, ok := sm.byType[sub.EntityType]; ok {
		delete(typed, sub.ID)
		if len(typed) == 0 {
			delete(sm.byType, sub.EntityType)
		}
	}
	if conns, ok := sm.byConn[sub.ConnectionID]; ok {
		delete(conns, sub.ID)
		if len(conns) == 0 {
			delete(sm.byConn, sub.ConnectionID)
		}
	}
}

// Subscribers returns the distinct connection ids whose subscriptions match
// the change event: entity type equal, entity id unset or equal, and the
// predicate (when present) true.
func (sm *SubscriptionManager) Subscribers(ev ChangeEvent) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	seen := make(map[string]struct{})
	var matches []string
	for _, sub := range sm.byType[ev.EntityType] {
		if sub.EntityID != "" && sub.EntityID != ev.EntityID {
			continue
		}
		if sub.Filter != nil && !sub.Filter(ev) {
			continue
		}
		if _, dup := seen[sub.ConnectionID]; dup {
			continue
		}
		seen[sub.ConnectionID] = struct{}{}
		matches = append(matches, sub.ConnectionID)
	}
	return matches
}

// Count returns the number of live subscriptions.
func (sm *SubscriptionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byID)
}
