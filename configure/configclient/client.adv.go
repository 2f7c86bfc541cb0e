package configclient

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync/atomic"
)

type Unmarshaler func([]byte, interface{}) error

// Container holds the latest decoded configuration
type Container[T any] struct {
	val atomic.Value
}

func (c *Container[T]) Get() T {
	return c.val.Load().(T)
}

// ClientAdv decodes configurations into containers of T, T has to be a struct pointer
type ClientAdv[T any] struct {
	c *Client
}

func NewClientAdv[T any](c *Client) *ClientAdv[T] {
	return &ClientAdv[T]{c: c}
}

// RegisterJsonContainer will register auto updated configure container with json configure support
// Note: the behavior is the same as Register method
func (c *ClientAdv[T]) RegisterJsonContainer(dataId, group string) (*Container[T], error) {
	return c.Register(RequiredConfig{DataId: dataId, Group: group}, json.Unmarshal)
}

// Register will register auto updated configure container.
// The container starts with an empty struct and is replaced after every successful decoding.
// Deleted configurations and decoding failures keep the previous value.
func (c *ClientAdv[T]) Register(req RequiredConfig, unmarshaler Unmarshaler) (*Container[T], error) {
	var zero T
	if !checkStructPtr(zero) {
		return nil, errors.New("container type should be '*struct' type")
	}
	structType := getStructType(zero)
	result := new(Container[T])
	result.val.Store(newStructPtr(structType).(T))

	req.Callback = func(cfg Config) {
		if cfg.Deleted {
			log.Warnw("configuration deleted, keep previous value", "groupKey", cfg.GroupKey.String(), "tag", cfg.Tag)
			return
		}
		newInst := newStructPtr(structType)
		if err := unmarshaler(cfg.Content, newInst); err != nil {
			log.Errorw("unmarshal configuration failed", "groupKey", cfg.GroupKey.String(), "tag", cfg.Tag, "error", err)
			return
		}
		result.val.Store(newInst.(T))
	}
	if err := c.c.AddConfigurationRequirement(req); err != nil {
		return nil, err
	}
	return result, nil
}

func checkStructPtr(c any) bool {
	t := reflect.TypeOf(c)
	if t == nil || t.Kind() != reflect.Ptr {
		return false
	}
	if t.Elem().Kind() != reflect.Struct {
		return false
	}
	return true
}

func getStructType(c any) reflect.Type {
	t := reflect.TypeOf(c)
	return t.Elem()
}

func newStructPtr(st reflect.Type) any {
	return reflect.New(st).Interface()
}
