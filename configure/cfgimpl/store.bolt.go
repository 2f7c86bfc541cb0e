package cfgimpl

import (
	"bytes"
	"context"
	"sync"

	"github.com/meidoworks/nekoq-config/component"
	"github.com/meidoworks/nekoq-config/configure/configapi"
)

const (
	boltConfigTable = "configs"
)

// BoltStore keeps configurations in an embedded SimpleStore.
// It serves as both the PersistentStore and the DataWriter of a single node deployment.
type BoltStore struct {
	store component.SimpleStore
	// serializes read-modify-write of records
	lock sync.Mutex
}

func NewBoltStore(store component.SimpleStore) *BoltStore {
	return &BoltStore{
		store: store,
	}
}

func (b *BoltStore) table() component.SimpleStoreTable {
	return b.store.Table(boltConfigTable)
}

func (b *BoltStore) load(gk configapi.GroupKey, tag string) (*configRecord, error) {
	obj, err := b.table().QueryById([]byte(recordKey(gk, tag)), new(configRecord))
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*configRecord), nil
}

func (b *BoltStore) Fetch(ctx context.Context, gk configapi.GroupKey, tag string) (configapi.ConfigItem, bool, error) {
	rec, err := b.load(gk, tag)
	if err != nil {
		return configapi.ConfigItem{}, false, err
	}
	if rec == nil || rec.Deleted {
		return configapi.ConfigItem{}, false, nil
	}
	return rec.Item, true, nil
}

func (b *BoltStore) FetchChangedSince(ctx context.Context, sinceMillis int64) ([]configapi.ChangedKey, error) {
	var result []configapi.ChangedKey
	err := b.table().Scan(func(id, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := new(configRecord)
		if err := rec.Unmarshal(data); err != nil {
			log.Errorw("skip broken record", "id", string(id), "error", err)
			return nil
		}
		if rec.changedSince(sinceMillis) {
			result = append(result, configapi.ChangedKey{GroupKey: rec.Item.GroupKey, Tag: rec.Item.Tag})
		}
		return nil
	})
	return result, err
}

func (b *BoltStore) Startup() error {
	return nil
}

// Stop does not close the underlying store which is owned by the caller
func (b *BoltStore) Stop() error {
	return nil
}

func (b *BoltStore) Save(ctx context.Context, item configapi.ConfigItem) (int64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	prev, err := b.load(item.GroupKey, item.Tag)
	if err != nil {
		return 0, err
	}
	item.LastModified = nextModified(prev)
	if err := b.table().Upsert(&configRecord{Item: item}); err != nil {
		return 0, err
	}
	return item.LastModified, nil
}

func (b *BoltStore) Delete(ctx context.Context, gk configapi.GroupKey, tag string) (int64, bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	prev, err := b.load(gk, tag)
	if err != nil {
		return 0, false, err
	}
	if prev == nil || prev.Deleted {
		return 0, false, nil
	}
	rec := &configRecord{
		Item: configapi.ConfigItem{
			GroupKey:     gk,
			Tag:          tag,
			LastModified: nextModified(prev),
		},
		Deleted: true,
	}
	if err := b.table().Upsert(rec); err != nil {
		return 0, false, err
	}
	return rec.Item.LastModified, true, nil
}

// PurgeTombstones removes deletion records older than beforeMillis
func (b *BoltStore) PurgeTombstones(ctx context.Context, beforeMillis int64) (int, error) {
	var ids [][]byte
	err := b.table().Scan(func(id, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := new(configRecord)
		if err := rec.Unmarshal(data); err != nil {
			return nil
		}
		if rec.purgeable(beforeMillis) {
			ids = append(ids, bytes.Clone(id))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	cnt := 0
	for _, id := range ids {
		// the key may be saved again after the scan
		obj, err := b.table().QueryById(id, new(configRecord))
		if err != nil {
			return cnt, err
		}
		if obj == nil || !obj.(*configRecord).purgeable(beforeMillis) {
			continue
		}
		if err := b.table().Delete(id); err != nil {
			return cnt, err
		}
		cnt++
	}
	return cnt, nil
}

var _ configapi.PersistentStore = new(BoltStore)
var _ configapi.DataWriter = new(BoltStore)
var _ configapi.TombstonePurger = new(BoltStore)
