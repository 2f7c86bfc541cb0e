package etcd

import (
	"context"
	"time"

	"go.etcd.io/etcd/client/v3"

	"github.com/meidoworks/nekoq-config/component"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("etcd")

type EtcdClientConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

type EtcdClient struct {
	cli *clientv3.Client
}

func (e *EtcdClient) Del(ctx context.Context, key string) (bool, error) {
	res, err := e.cli.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	return res.Deleted > 0, nil
}

func (e *EtcdClient) DelIfEqual(ctx context.Context, key string, val []byte) (bool, error) {
	res, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(val))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return res.Succeeded, nil
}

func (e *EtcdClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := e.cli.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if res.Count == 0 {
		return nil, false, nil
	} else {
		return res.Kvs[0].Value, true, nil
	}
}

func (e *EtcdClient) Set(ctx context.Context, key string, val []byte) error {
	_, err := e.cli.Put(ctx, key, string(val))
	return err
}

func (e *EtcdClient) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	res, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(res.Kvs))
	for _, kv := range res.Kvs {
		result[string(kv.Key)] = kv.Value
	}
	return result, nil
}

func (e *EtcdClient) WatchFolder(ctx context.Context, folder string) (<-chan component.WatchEvent, component.CancelFn, error) {
	wctx, cancel := context.WithCancel(ctx)
	wch := e.cli.Watch(wctx, folder, clientv3.WithPrefix())
	ch := make(chan component.WatchEvent, 16)
	go func() {
		defer close(ch)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Errorw("watch folder failed", "folder", folder, "error", err)
				return
			}
			ev := component.WatchEvent{Path: folder}
			for _, v := range resp.Events {
				item := component.WatchEventItem{
					Key:   string(v.Kv.Key),
					Value: v.Kv.Value,
				}
				switch {
				case v.Type == clientv3.EventTypeDelete:
					item.EventType = component.WatchEventDelete
				case v.IsCreate():
					item.EventType = component.WatchEventCreated
				case v.IsModify():
					item.EventType = component.WatchEventModified
				default:
					item.EventType = component.WatchEventUnknown
				}
				ev.Ev = append(ev.Ev, item)
			}
			select {
			case ch <- ev:
			case <-wctx.Done():
				return
			}
		}
	}()
	return ch, component.CancelFn(cancel), nil
}

func (e *EtcdClient) Close() error {
	return e.cli.Close()
}

var _ component.ConsistentStore = new(EtcdClient)

func NewEtcdClient(config *EtcdClientConfig) (*EtcdClient, error) {
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdClient{
		cli: cli,
	}, nil
}
