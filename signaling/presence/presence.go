// Package presence implements the subscribe/unsubscribe ActrUp
// mechanism: a map from ActrType to the set of subscriber ActrIds,
// fanned out through an ACL filter whenever a matching actor registers.
package presence

import (
	"sync"

	"github.com/actrix-rtc/actrixd/realm"
)

// Manager tracks ActrUp subscriptions.
type Manager struct {
	mu   sync.RWMutex
	subs map[realm.ActrType]map[realm.ActrID]struct{}
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{subs: make(map[realm.ActrType]map[realm.ActrID]struct{})}
}

// Subscribe records that subscriber wants ActrUp notifications for targetType.
func (m *Manager) Subscribe(subscriber realm.ActrID, targetType realm.ActrType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[targetType]
	if !ok {
		set = make(map[realm.ActrID]struct{})
		m.subs[targetType] = set
	}
	set[subscriber] = struct{}{}
}

// Unsubscribe drops subscriber's interest in targetType.
func (m *Manager) Unsubscribe(subscriber realm.ActrID, targetType realm.ActrType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[targetType]
	if !ok {
		return
	}
	delete(set, subscriber)
	if len(set) == 0 {
		delete(m.subs, targetType)
	}
}

// UnsubscribeAll drops every subscription subscriber holds, used when
// its connection closes.
func (m *Manager) UnsubscribeAll(subscriber realm.ActrID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, set := range m.subs {
		delete(set, subscriber)
		if len(set) == 0 {
			delete(m.subs, t)
		}
	}
}

// SubscribersFor returns a snapshot of subscribers registered for t.
func (m *Manager) SubscribersFor(t realm.ActrType) []realm.ActrID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.subs[t]
	out := make([]realm.ActrID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
