package store

import (
	"time"

	"github.com/jiunbae/aily/lru"
)

// dedupCache fronts the unique (session_id, external_id) index with a bounded
// in-memory LRU so a burst of hook posts for the same external_id doesn't
// each pay a round trip to the database before the first write lands.
type dedupCache struct {
	seen *lru.Cache[string, struct{}]
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		seen: lru.New[string, struct{}](capacity, lru.WithTTL[string, struct{}](10*time.Minute)),
	}
}

func dedupKey(sessionID, externalID string) string {
	return sessionID + "\x00" + externalID
}

// probablyDuplicate returns true if this (session, external_id) pair was
// very likely already appended. A false negative just falls through to the
// authoritative unique-index check; a false positive never happens because
// entries are only added after a confirmed successful insert.
func (d *dedupCache) probablyDuplicate(sessionID, externalID string) bool {
	if externalID == "" {
		return false
	}
	_, ok := d.seen.Get(dedupKey(sessionID, externalID))
	return ok
}

func (d *dedupCache) remember(sessionID, externalID string) {
	if externalID == "" {
		return
	}
	d.seen.Put(dedupKey(sessionID, externalID), struct{}{})
}
