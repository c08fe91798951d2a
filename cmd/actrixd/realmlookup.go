package main

import (
	"context"

	"github.com/actrix-rtc/actrixd/internal/store"
	"github.com/actrix-rtc/actrixd/realm"
)

// realmLookup adapts internal/store.RealmStore to signaling/hub's
// narrow RealmLookup interface, which only needs the realm itself and
// not its sidecar metadata.
type realmLookup struct {
	realms *store.RealmStore
}

func (l *realmLookup) Get(ctx context.Context, realmID uint32) (realm.Realm, bool, error) {
	rec, ok, err := l.realms.Get(ctx, realmID)
	if err != nil || !ok {
		return realm.Realm{}, ok, err
	}
	return rec.Realm, true, nil
}
