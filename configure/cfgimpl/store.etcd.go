package cfgimpl

import (
	"context"
	"strings"
	"sync"

	"github.com/meidoworks/nekoq-config/component"
	"github.com/meidoworks/nekoq-config/configure/configapi"
)

const (
	DefaultEtcdPrefix = "/nekoq-config/configs/"
)

// ChangeNotifier receives changes observed outside of the local write path.
// dump.Service implements it.
type ChangeNotifier interface {
	NotifyChange(gk configapi.GroupKey, tag string, lastModified int64, handleIP string)
}

// EtcdStore keeps configurations as cbor records under a prefix of a ConsistentStore.
// Nodes sharing the store learn about each other's writes through Watch.
type EtcdStore struct {
	kv     component.ConsistentStore
	prefix string

	lock sync.Mutex
}

func NewEtcdStore(kv component.ConsistentStore, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{
		kv:     kv,
		prefix: prefix,
	}
}

func (e *EtcdStore) key(gk configapi.GroupKey, tag string) string {
	return e.prefix + recordKey(gk, tag)
}

func (e *EtcdStore) load(ctx context.Context, gk configapi.GroupKey, tag string) (*configRecord, error) {
	data, ok, err := e.kv.Get(ctx, e.key(gk, tag))
	if err != nil || !ok {
		return nil, err
	}
	rec := new(configRecord)
	if err := rec.Unmarshal(data); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *EtcdStore) Fetch(ctx context.Context, gk configapi.GroupKey, tag string) (configapi.ConfigItem, bool, error) {
	rec, err := e.load(ctx, gk, tag)
	if err != nil {
		return configapi.ConfigItem{}, false, err
	}
	if rec == nil || rec.Deleted {
		return configapi.ConfigItem{}, false, nil
	}
	return rec.Item, true, nil
}

func (e *EtcdStore) FetchChangedSince(ctx context.Context, sinceMillis int64) ([]configapi.ChangedKey, error) {
	all, err := e.kv.List(ctx, e.prefix)
	if err != nil {
		return nil, err
	}
	var result []configapi.ChangedKey
	for k, v := range all {
		rec := new(configRecord)
		if err := rec.Unmarshal(v); err != nil {
			log.Errorw("skip broken record", "key", k, "error", err)
			continue
		}
		if rec.changedSince(sinceMillis) {
			result = append(result, configapi.ChangedKey{GroupKey: rec.Item.GroupKey, Tag: rec.Item.Tag})
		}
	}
	return result, nil
}

func (e *EtcdStore) Startup() error {
	return nil
}

func (e *EtcdStore) Stop() error {
	return nil
}

// Save keeps the last modified time increasing for writes issued by this node.
// Concurrent writers on different nodes rely on their clocks.
func (e *EtcdStore) Save(ctx context.Context, item configapi.ConfigItem) (int64, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	prev, err := e.load(ctx, item.GroupKey, item.Tag)
	if err != nil {
		return 0, err
	}
	item.LastModified = nextModified(prev)
	rec := &configRecord{Item: item}
	data, err := rec.Marshal()
	if err != nil {
		return 0, err
	}
	if err := e.kv.Set(ctx, e.key(item.GroupKey, item.Tag), data); err != nil {
		return 0, err
	}
	return item.LastModified, nil
}

func (e *EtcdStore) Delete(ctx context.Context, gk configapi.GroupKey, tag string) (int64, bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	prev, err := e.load(ctx, gk, tag)
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
	data, err := rec.Marshal()
	if err != nil {
		return 0, false, err
	}
	if err := e.kv.Set(ctx, e.key(gk, tag), data); err != nil {
		return 0, false, err
	}
	return rec.Item.LastModified, true, nil
}

// PurgeTombstones removes deletion records older than beforeMillis.
// A record rewritten by any node after the listing is kept.
func (e *EtcdStore) PurgeTombstones(ctx context.Context, beforeMillis int64) (int, error) {
	all, err := e.kv.List(ctx, e.prefix)
	if err != nil {
		return 0, err
	}
	cnt := 0
	for k, v := range all {
		rec := new(configRecord)
		if err := rec.Unmarshal(v); err != nil || !rec.purgeable(beforeMillis) {
			continue
		}
		ok, err := e.kv.DelIfEqual(ctx, k, v)
		if err != nil {
			return cnt, err
		}
		if ok {
			cnt++
		}
	}
	return cnt, nil
}

// Watch forwards every record change under the prefix to the notifier until ctx is done or the watch fails
func (e *EtcdStore) Watch(ctx context.Context, notifier ChangeNotifier) error {
	ch, cancel, err := e.kv.WatchFolder(ctx, e.prefix)
	if err != nil {
		return err
	}
	defer cancel()
	log.Infow("watching configuration records", "prefix", e.prefix)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return ErrWatchClosed
			}
			for _, item := range ev.Ev {
				e.dispatch(item, notifier)
			}
		}
	}
}

func (e *EtcdStore) dispatch(item component.WatchEventItem, notifier ChangeNotifier) {
	if item.EventType == component.WatchEventDelete || len(item.Value) == 0 {
		// records are tombstoned instead of removed, a raw delete is an external cleanup
		log.Debugw("ignore removed record", "key", item.Key)
		return
	}
	rec := new(configRecord)
	if err := rec.Unmarshal(item.Value); err != nil {
		log.Errorw("skip broken record", "key", item.Key, "error", err)
		return
	}
	notifier.NotifyChange(rec.Item.GroupKey, rec.Item.Tag, rec.Item.LastModified, "")
}

var _ configapi.PersistentStore = new(EtcdStore)
var _ configapi.DataWriter = new(EtcdStore)
var _ configapi.TombstonePurger = new(EtcdStore)
