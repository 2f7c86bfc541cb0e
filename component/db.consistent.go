package component

import "context"

type CancelFn func()

type _DbConsistentKv interface {
	// Get returns false when the key does not exist
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	// Del returns false when nothing was deleted
	Del(ctx context.Context, key string) (bool, error)
	// DelIfEqual deletes the key only while it still holds val
	DelIfEqual(ctx context.Context, key string, val []byte) (bool, error)
	// List returns every key and value under the prefix
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

type _DbConsistentWatch interface {
	// WatchFolder support watching a prefix
	// Any changes happen inside the prefix will be notified, including children creation, children value change and deletion.
	// The channel is closed after the CancelFn is called or the watch fails.
	WatchFolder(ctx context.Context, folder string) (<-chan WatchEvent, CancelFn, error)
}

type ConsistentStore interface {
	_DbConsistentKv
	_DbConsistentWatch
}

type WatchEvent struct {
	// Path is the full path of the watched folder
	Path string
	Ev   []WatchEventItem
}

type WatchEventItem struct {
	Key       string
	Value     []byte
	EventType WatchEventType
}

type WatchEventType int

const (
	WatchEventUnknown WatchEventType = iota
	WatchEventCreated
	WatchEventModified
	WatchEventDelete
)
