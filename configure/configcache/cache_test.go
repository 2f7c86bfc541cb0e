package configcache

import (
	"sync"
	"testing"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

var gkA = configapi.MustGroupKey("cfgA", "DEFAULT_GROUP", "")

func TestCache_PutNewerOnly(t *testing.T) {
	c := NewCache(Options{})
	if !c.Put(gkA, "", []byte("v1"), "fp1", 100) {
		t.Fatal("first put should succeed")
	}
	if c.Put(gkA, "", []byte("v0"), "fp0", 99) {
		t.Fatal("older put should be discarded")
	}
	if c.Put(gkA, "", []byte("v1'"), "fp1'", 100) {
		t.Fatal("equal timestamp put should be discarded")
	}
	if fp, ok := c.Fingerprint(gkA, ""); !ok || fp != "fp1" {
		t.Fatal("unexpected fingerprint:", fp, ok)
	}
	if !c.Put(gkA, "", []byte("v2"), "fp2", 101) {
		t.Fatal("newer put should succeed")
	}
	if fp, _ := c.Fingerprint(gkA, ""); fp != "fp2" {
		t.Fatal("unexpected fingerprint:", fp)
	}
}

func TestCache_OutOfOrderConverges(t *testing.T) {
	a := NewCache(Options{})
	b := NewCache(Options{})

	a.Put(gkA, "", nil, "fp1", 1)
	a.Put(gkA, "", nil, "fp2", 2)

	b.Put(gkA, "", nil, "fp2", 2)
	b.Put(gkA, "", nil, "fp1", 1)

	fa, _ := a.Fingerprint(gkA, "")
	fb, _ := b.Fingerprint(gkA, "")
	if fa != "fp2" || fb != "fp2" {
		t.Fatal("both orders should converge to the newest version:", fa, fb)
	}
}

func TestCache_KeepContent(t *testing.T) {
	c := NewCache(Options{})
	c.Put(gkA, "", []byte("hello"), "fp", 1)
	e, _ := c.Get(gkA)
	if e.Content != nil {
		t.Fatal("content should not be kept by default")
	}

	c = NewCache(Options{KeepContent: true})
	c.Put(gkA, "", []byte("hello"), "fp", 1)
	e, _ = c.Get(gkA)
	if string(e.Content) != "hello" {
		t.Fatal("content should be kept")
	}
}

func TestCache_Reconcile(t *testing.T) {
	c := NewCache(Options{})
	c.Put(gkA, "", nil, "wrong", 10)
	if c.Reconcile(gkA, "", nil, "wrong", 10) {
		t.Fatal("reconcile with identical state should be a no-op")
	}
	if !c.Reconcile(gkA, "", nil, "right", 10) {
		t.Fatal("reconcile should correct drift at the same timestamp")
	}
	if fp, _ := c.Fingerprint(gkA, ""); fp != "right" {
		t.Fatal("unexpected fingerprint:", fp)
	}
	if c.Reconcile(gkA, "", nil, "older", 9) {
		t.Fatal("reconcile should not go backwards")
	}
}

func TestCache_RemoveTombstone(t *testing.T) {
	c := NewCache(Options{})
	c.Put(gkA, "", nil, "fp", 10)

	if c.Remove(gkA, "", 5) {
		t.Fatal("stale removal should be discarded")
	}
	if !c.Remove(gkA, "", 11) {
		t.Fatal("removal should succeed")
	}
	if _, ok := c.Get(gkA); ok {
		t.Fatal("removed entry should not be visible")
	}
	// a late write older than the deletion must not resurrect the entry
	if c.Put(gkA, "", nil, "late", 10) {
		t.Fatal("write older than tombstone should be discarded")
	}
	if !c.Put(gkA, "", nil, "new", 12) {
		t.Fatal("write newer than tombstone should succeed")
	}
	if fp, ok := c.Fingerprint(gkA, ""); !ok || fp != "new" {
		t.Fatal("unexpected fingerprint:", fp, ok)
	}
}

func TestCache_Timestamp(t *testing.T) {
	c := NewCache(Options{})
	if _, ok := c.Timestamp(gkA, ""); ok {
		t.Fatal("missing key should have no timestamp")
	}
	c.Put(gkA, "", nil, "fp", 10)
	c.Put(gkA, "beta", nil, "fp-beta", 20)
	if ts, ok := c.Timestamp(gkA, "beta"); !ok || ts != 20 {
		t.Fatal("unexpected tag timestamp:", ts, ok)
	}
	c.Remove(gkA, "", 15)
	if ts, ok := c.Timestamp(gkA, ""); !ok || ts != 15 {
		t.Fatal("tombstone timestamp expected:", ts, ok)
	}
}

func TestCache_RemoveUnconditional(t *testing.T) {
	c := NewCache(Options{})
	c.Put(gkA, "", nil, "fp", 10)
	if !c.Remove(gkA, "", 0) {
		t.Fatal("unconditional removal should succeed")
	}
	if c.Remove(gkA, "", 0) {
		t.Fatal("removing a missing entry should report false")
	}
	if c.Size() != 0 {
		t.Fatal("cache should be empty")
	}
}

func TestCache_Tags(t *testing.T) {
	c := NewCache(Options{})
	c.Put(gkA, "", nil, "base", 1)
	c.Put(gkA, "beta", nil, "beta-fp", 2)

	if fp, ok := c.Fingerprint(gkA, "beta"); !ok || fp != "beta-fp" {
		t.Fatal("unexpected tag fingerprint:", fp)
	}
	if _, ok := c.Fingerprint(gkA, "gamma"); ok {
		t.Fatal("unknown tag should be absent")
	}

	// tags have their own timestamps
	if !c.Put(gkA, "", nil, "base2", 2) {
		t.Fatal("base update should not be blocked by tag timestamp")
	}

	c.Remove(gkA, "", 0)
	if _, ok := c.Get(gkA); !ok {
		t.Fatal("entry with a live tag should stay visible")
	}
	if _, ok := c.Fingerprint(gkA, ""); ok {
		t.Fatal("base should be removed")
	}
	c.Remove(gkA, "beta", 0)
	if _, ok := c.Get(gkA); ok {
		t.Fatal("entry without live variants should be hidden")
	}
}

func TestCache_PurgeTombstones(t *testing.T) {
	c := NewCache(Options{})
	gkB := configapi.MustGroupKey("cfgB", "DEFAULT_GROUP", "")
	c.Put(gkA, "", nil, "a", 1)
	c.Put(gkB, "", nil, "b", 1)
	c.Remove(gkA, "", 2)

	if n := c.PurgeTombstones(time.Hour); n != 0 {
		t.Fatal("fresh tombstone should be kept, purged:", n)
	}
	if n := c.PurgeTombstones(0); n != 1 {
		t.Fatal("expired tombstone should be purged, purged:", n)
	}
	keys := c.Keys()
	if len(keys) != 1 || keys[0] != gkB {
		t.Fatal("unexpected keys:", keys)
	}
	// the purged key is writable again from scratch
	if !c.Put(gkA, "", nil, "again", 1) {
		t.Fatal("put after purge should succeed")
	}
}

func TestCache_ConcurrentPut(t *testing.T) {
	c := NewCache(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 500; j++ {
				ts := j*8 + base + 1
				c.Put(gkA, "", nil, configapi.Fingerprint([]byte{byte(ts)}), ts)
			}
		}(int64(i))
	}
	wg.Wait()
	e, ok := c.Get(gkA)
	if !ok {
		t.Fatal("entry should exist")
	}
	if e.LastModified != 4000 {
		t.Fatal("largest timestamp should win, got:", e.LastModified)
	}
}

func TestCache_ConcurrentPurgeAndPut(t *testing.T) {
	c := NewCache(Options{})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.PurgeTombstones(0)
			}
		}
	}()
	for i := int64(1); i <= 1000; i++ {
		c.Put(gkA, "", nil, "fp", i*2)
		c.Remove(gkA, "", i*2+1)
	}
	c.Put(gkA, "", nil, "final", 1<<40)
	close(stop)
	wg.Wait()
	if fp, ok := c.Fingerprint(gkA, ""); !ok || fp != "final" {
		t.Fatal("final write should survive concurrent purge:", fp, ok)
	}
}
