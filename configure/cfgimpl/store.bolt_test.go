package cfgimpl

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/db/simple/bbolt"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	db, err := bbolt.NewBboltStore(&bbolt.BboltStoreConfig{
		Path: filepath.Join(t.TempDir(), "configs.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewBoltStore(db)
}

func TestBoltStoreSaveFetch(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	gk := configapi.MustGroupKey("cfgA", "DEFAULT_GROUP", "")

	if _, ok, err := s.Fetch(ctx, gk, ""); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("empty store should not have the item")
	}

	ts1, err := s.Save(ctx, configapi.ConfigItem{GroupKey: gk, Content: []byte("v1")})
	if err != nil {
		t.Fatal(err)
	}
	ts2, err := s.Save(ctx, configapi.ConfigItem{GroupKey: gk, Content: []byte("v2")})
	if err != nil {
		t.Fatal(err)
	}
	if ts2 <= ts1 {
		t.Fatal("last modified should increase:", ts1, ts2)
	}

	item, ok, err := s.Fetch(ctx, gk, "")
	if err != nil {
		t.Fatal(err)
	} else if !ok || string(item.Content) != "v2" || item.LastModified != ts2 {
		t.Fatal("unexpected item:", item)
	}

	if _, ok, _ := s.Fetch(ctx, gk, "beta"); ok {
		t.Fatal("tagged item should be separated from the base item")
	}
}

func TestBoltStoreDeleteAndChanges(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	a := configapi.MustGroupKey("cfgA", "DEFAULT_GROUP", "")
	b := configapi.MustGroupKey("cfgB", "DEFAULT_GROUP", "tenant1")

	tsA, err := s.Save(ctx, configapi.ConfigItem{GroupKey: a, Content: []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(ctx, configapi.ConfigItem{GroupKey: b, Tag: "beta", Content: []byte("b")}); err != nil {
		t.Fatal(err)
	}

	all, err := s.FetchChangedSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatal("expect 2 keys:", all)
	}

	tsDel, ok, err := s.Delete(ctx, a, "")
	if err != nil {
		t.Fatal(err)
	} else if !ok || tsDel <= tsA {
		t.Fatal("delete should succeed with a newer timestamp:", tsA, tsDel)
	}
	if _, ok, _ := s.Delete(ctx, a, ""); ok {
		t.Fatal("second delete should report nothing deleted")
	}
	if _, ok, _ := s.Fetch(ctx, a, ""); ok {
		t.Fatal("deleted item should not be fetched")
	}

	all, err = s.FetchChangedSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].GroupKey != b || all[0].Tag != "beta" {
		t.Fatal("full listing should skip deleted keys:", all)
	}

	changed, err := s.FetchChangedSince(ctx, tsDel-1)
	if err != nil {
		t.Fatal(err)
	}
	if !containsKey(changed, a, "") {
		t.Fatal("deletion should be reported as a change:", changed)
	}

	// re-create after delete
	tsNew, err := s.Save(ctx, configapi.ConfigItem{GroupKey: a, Content: []byte("a2")})
	if err != nil {
		t.Fatal(err)
	}
	if tsNew <= tsDel {
		t.Fatal("re-created item should be newer than the tombstone")
	}
}

func TestBoltStorePurgeTombstones(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	a := configapi.MustGroupKey("cfgA", "DEFAULT_GROUP", "")
	b := configapi.MustGroupKey("cfgB", "DEFAULT_GROUP", "")

	if _, err := s.Save(ctx, configapi.ConfigItem{GroupKey: a, Content: []byte("a"), SrcUser: "alice", SrcIp: "10.0.0.1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(ctx, configapi.ConfigItem{GroupKey: b, Content: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	if item, _, _ := s.Fetch(ctx, a, ""); item.SrcUser != "alice" || item.SrcIp != "10.0.0.1" {
		t.Fatal("source of the write should be stored:", item)
	}
	tsDel, _, err := s.Delete(ctx, b, "")
	if err != nil {
		t.Fatal(err)
	}

	// tombstones newer than the bound are kept
	if n, err := s.PurgeTombstones(ctx, tsDel); err != nil || n != 0 {
		t.Fatal("recent tombstone should be kept:", n, err)
	}
	if changed, _ := s.FetchChangedSince(ctx, tsDel-1); !containsKey(changed, b, "") {
		t.Fatal("kept tombstone should be reported:", changed)
	}

	n, err := s.PurgeTombstones(ctx, tsDel+1)
	if err != nil || n != 1 {
		t.Fatal("old tombstone should be purged:", n, err)
	}
	if changed, _ := s.FetchChangedSince(ctx, 1); containsKey(changed, b, "") || !containsKey(changed, a, "") {
		t.Fatal("only the live key should remain:", changed)
	}
	if _, ok, _ := s.Fetch(ctx, a, ""); !ok {
		t.Fatal("live item should not be purged")
	}
}

func containsKey(keys []configapi.ChangedKey, gk configapi.GroupKey, tag string) bool {
	for _, k := range keys {
		if k.GroupKey == gk && k.Tag == tag {
			return true
		}
	}
	return false
}
