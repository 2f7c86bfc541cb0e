package configcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("configcache")

// TagEntry is the state of one tagged variant of a configuration
type TagEntry struct {
	Content      []byte
	Fingerprint  string
	LastModified int64
	Deleted      bool
}

// Entry is an immutable snapshot. Writers replace the whole entry.
type Entry struct {
	GroupKey     configapi.GroupKey
	Content      []byte // nil unless Options.KeepContent
	Fingerprint  string
	LastModified int64
	// Deleted marks a tombstone: the base configuration was removed at LastModified
	Deleted bool
	Tags    map[string]TagEntry

	tombstoneAt time.Time
}

// TagFingerprint returns the fingerprint of the tag variant, or of the base content when tag is empty
func (e *Entry) TagFingerprint(tag string) (string, bool) {
	if tag == "" {
		if e.Deleted {
			return "", false
		}
		return e.Fingerprint, true
	}
	te, ok := e.Tags[tag]
	if !ok || te.Deleted {
		return "", false
	}
	return te.Fingerprint, true
}

func (e *Entry) TagContent(tag string) (TagEntry, bool) {
	if tag == "" {
		if e.Deleted {
			return TagEntry{}, false
		}
		return TagEntry{Content: e.Content, Fingerprint: e.Fingerprint, LastModified: e.LastModified}, true
	}
	te, ok := e.Tags[tag]
	if !ok || te.Deleted {
		return TagEntry{}, false
	}
	return te, true
}

func (e *Entry) live() bool {
	if !e.Deleted {
		return true
	}
	for _, v := range e.Tags {
		if !v.Deleted {
			return true
		}
	}
	return false
}

func (e *Entry) clone() *Entry {
	n := *e
	if e.Tags != nil {
		n.Tags = make(map[string]TagEntry, len(e.Tags))
		for k, v := range e.Tags {
			n.Tags[k] = v
		}
	}
	n.tombstoneAt = time.Time{}
	return &n
}

// dead is installed into a slot removed from the map
var dead = &Entry{Deleted: true}

type slot struct {
	p atomic.Pointer[Entry]
}

type Options struct {
	// KeepContent keeps content bytes in memory in addition to the fingerprint
	KeepContent bool
}

// Cache maps GroupKey to the latest known fingerprint.
// Reads never block. Writes of one key are ordered by timestamp through compare-and-swap.
type Cache struct {
	opt Options
	m   sync.Map // string -> *slot
}

func NewCache(opt Options) *Cache {
	return &Cache{opt: opt}
}

func (c *Cache) KeepContent() bool {
	return c.opt.KeepContent
}

// Get returns the entry when the base configuration or one of its tags exists
func (c *Cache) Get(gk configapi.GroupKey) (*Entry, bool) {
	v, ok := c.m.Load(gk.String())
	if !ok {
		return nil, false
	}
	e := v.(*slot).p.Load()
	if e == nil || e == dead || !e.live() {
		return nil, false
	}
	return e, true
}

// Fingerprint returns the current fingerprint of gk and tag
func (c *Cache) Fingerprint(gk configapi.GroupKey, tag string) (string, bool) {
	e, ok := c.Get(gk)
	if !ok {
		return "", false
	}
	return e.TagFingerprint(tag)
}

// Timestamp returns the timestamp recorded for gk and tag, tombstones included
func (c *Cache) Timestamp(gk configapi.GroupKey, tag string) (int64, bool) {
	v, ok := c.m.Load(gk.String())
	if !ok {
		return 0, false
	}
	e := v.(*slot).p.Load()
	if e == dead {
		return 0, false
	}
	return recordedTimestamp(e, tag)
}

type updateFn func(cur *Entry) (*Entry, bool)

// update runs fn against the current entry until the CAS succeeds.
// fn returns false when no write should happen.
func (c *Cache) update(gk configapi.GroupKey, fn updateFn) bool {
	key := gk.String()
	for {
		v, _ := c.m.LoadOrStore(key, &slot{})
		s := v.(*slot)
		cur := s.p.Load()
		if cur == dead {
			// removed by purge, help finishing the removal and retry with a fresh slot
			c.m.CompareAndDelete(key, s)
			continue
		}
		next, ok := fn(cur)
		if !ok {
			return false
		}
		if s.p.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// recordedTimestamp returns the timestamp recorded for tag, including tombstones
func recordedTimestamp(cur *Entry, tag string) (int64, bool) {
	if cur == nil {
		return 0, false
	}
	if tag == "" {
		return cur.LastModified, true
	}
	te, ok := cur.Tags[tag]
	if !ok {
		return 0, false
	}
	return te.LastModified, true
}

func (c *Cache) apply(cur *Entry, gk configapi.GroupKey, tag string, content []byte, fingerprint string, ts int64) *Entry {
	var next *Entry
	if cur == nil {
		next = &Entry{GroupKey: gk, Deleted: true}
	} else {
		next = cur.clone()
	}
	if !c.opt.KeepContent {
		content = nil
	}
	if tag == "" {
		next.Content = content
		next.Fingerprint = fingerprint
		next.LastModified = ts
		next.Deleted = false
	} else {
		if next.Tags == nil {
			next.Tags = map[string]TagEntry{}
		}
		next.Tags[tag] = TagEntry{Content: content, Fingerprint: fingerprint, LastModified: ts}
	}
	return next
}

// Put stores the content only when ts is newer than the recorded timestamp of gk and tag.
// Returns false for stale writes.
func (c *Cache) Put(gk configapi.GroupKey, tag string, content []byte, fingerprint string, ts int64) bool {
	ok := c.update(gk, func(cur *Entry) (*Entry, bool) {
		if recorded, exists := recordedTimestamp(cur, tag); exists && ts <= recorded {
			return nil, false
		}
		return c.apply(cur, gk, tag, content, fingerprint, ts), true
	})
	if !ok {
		log.Debugw("stale cache write discarded", "groupKey", gk.String(), "tag", tag, "ts", ts)
	}
	return ok
}

// Reconcile behaves like Put and additionally corrects an entry with the same timestamp but a different fingerprint
func (c *Cache) Reconcile(gk configapi.GroupKey, tag string, content []byte, fingerprint string, ts int64) bool {
	return c.update(gk, func(cur *Entry) (*Entry, bool) {
		if recorded, exists := recordedTimestamp(cur, tag); exists {
			if ts < recorded {
				return nil, false
			}
			if ts == recorded {
				curFp, live := cur.TagFingerprint(tag)
				if live && curFp == fingerprint {
					return nil, false
				}
				log.Warnw("fingerprint drift corrected", "groupKey", gk.String(), "tag", tag, "cached", curFp, "actual", fingerprint)
			}
		}
		return c.apply(cur, gk, tag, content, fingerprint, ts), true
	})
}

// Remove tombstones gk and tag unless the recorded timestamp is newer than ts.
// ts <= 0 removes unconditionally.
func (c *Cache) Remove(gk configapi.GroupKey, tag string, ts int64) bool {
	ok := c.update(gk, func(cur *Entry) (*Entry, bool) {
		if cur == nil {
			return nil, false
		}
		if _, live := cur.TagFingerprint(tag); !live {
			return nil, false
		}
		if recorded, exists := recordedTimestamp(cur, tag); exists && ts > 0 && ts < recorded {
			return nil, false
		}
		deletedAt := ts
		if deletedAt <= 0 {
			deletedAt, _ = recordedTimestamp(cur, tag)
		}
		next := cur.clone()
		if tag == "" {
			next.Content = nil
			next.Fingerprint = ""
			next.LastModified = deletedAt
			next.Deleted = true
		} else {
			next.Tags[tag] = TagEntry{LastModified: deletedAt, Deleted: true}
		}
		if !next.live() {
			next.tombstoneAt = time.Now()
		}
		return next, true
	})
	if !ok {
		log.Debugw("stale cache removal discarded", "groupKey", gk.String(), "tag", tag, "ts", ts)
	}
	return ok
}

// Keys lists every live group key
func (c *Cache) Keys() []configapi.GroupKey {
	var res []configapi.GroupKey
	c.m.Range(func(key, value any) bool {
		e := value.(*slot).p.Load()
		if e != nil && e != dead && e.live() {
			res = append(res, e.GroupKey)
		}
		return true
	})
	return res
}

// Size counts live entries
func (c *Cache) Size() int {
	cnt := 0
	c.m.Range(func(key, value any) bool {
		e := value.(*slot).p.Load()
		if e != nil && e != dead && e.live() {
			cnt++
		}
		return true
	})
	return cnt
}

// PurgeTombstones removes entries fully deleted before now-olderThan
func (c *Cache) PurgeTombstones(olderThan time.Duration) int {
	deadline := time.Now().Add(-olderThan)
	cnt := 0
	c.m.Range(func(key, value any) bool {
		s := value.(*slot)
		e := s.p.Load()
		if e == dead {
			return true
		}
		if e != nil && (e.live() || e.tombstoneAt.After(deadline)) {
			return true
		}
		if s.p.CompareAndSwap(e, dead) {
			c.m.CompareAndDelete(key, s)
			cnt++
		}
		return true
	})
	return cnt
}
