package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/meidoworks/nekoq-config/component"
)

// requires a running etcd, e.g. NEKOQ_ETCD_ENDPOINTS=127.0.0.1:2379
func newTestClient(t *testing.T) *EtcdClient {
	endpoints := os.Getenv("NEKOQ_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("NEKOQ_ETCD_ENDPOINTS not set")
	}
	cli, err := NewEtcdClient(&EtcdClientConfig{
		Endpoints: strings.Split(endpoints, ","),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cli.Close()
	})
	return cli
}

func TestEtcdClient_GetSet(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()

	if _, ok, err := cli.Get(ctx, "/nekoq-test/aaa"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("data is not empty")
	}

	if err := cli.Set(ctx, "/nekoq-test/aaa", []byte("bbb")); err != nil {
		t.Fatal(err)
	}

	data, ok, err := cli.Get(ctx, "/nekoq-test/aaa")
	if err != nil {
		t.Fatal(err)
	} else if !ok || string(data) != "bbb" {
		t.Fatal("data is not expected:", string(data))
	}

	list, err := cli.List(ctx, "/nekoq-test/")
	if err != nil {
		t.Fatal(err)
	}
	if string(list["/nekoq-test/aaa"]) != "bbb" {
		t.Fatal("list should contain the key:", list)
	}

	if deleted, err := cli.DelIfEqual(ctx, "/nekoq-test/aaa", []byte("ccc")); err != nil {
		t.Fatal(err)
	} else if deleted {
		t.Fatal("key with another value should be kept")
	}
	if deleted, err := cli.DelIfEqual(ctx, "/nekoq-test/aaa", []byte("bbb")); err != nil {
		t.Fatal(err)
	} else if !deleted {
		t.Fatal("key should be deleted")
	}
	if deleted, err := cli.Del(ctx, "/nekoq-test/aaa"); err != nil {
		t.Fatal(err)
	} else if deleted {
		t.Fatal("key is already deleted")
	}
}

func TestEtcdClient_Watch(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()

	ch, cancel, err := cli.WatchFolder(ctx, "/nekoq-watch/")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := cli.Set(ctx, "/nekoq-watch/a", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := cli.Set(ctx, "/nekoq-watch/a", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Del(ctx, "/nekoq-watch/a"); err != nil {
		t.Fatal(err)
	}

	var types []component.WatchEventType
	timeout := time.After(5 * time.Second)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			for _, v := range ev.Ev {
				types = append(types, v.EventType)
			}
		case <-timeout:
			t.Fatal("watch events not received:", types)
		}
	}
	if types[0] != component.WatchEventCreated || types[1] != component.WatchEventModified || types[2] != component.WatchEventDelete {
		t.Fatal("unexpected event types:", types)
	}
}
