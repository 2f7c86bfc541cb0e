package cfgimpl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/notify"
)

const (
	DefaultChangeStreamKey = "nekoq-config:changes"

	streamFieldNode = "node"
	streamFieldData = "data"
)

type RedisChangeStreamOptions struct {
	Stream string
	// NodeId marks notices sent by this node. A random id is used when empty.
	NodeId string
	// MaxLen trims the stream approximately
	MaxLen       int64
	BlockTimeout time.Duration
	// RetryInterval is the pause after a failed read
	RetryInterval time.Duration
	// Executor sends notices off the publishing goroutine. Sending is synchronous when nil.
	Executor notify.Executor
}

func (r *RedisChangeStreamOptions) GetStream() string {
	if r.Stream == "" {
		return DefaultChangeStreamKey
	}
	return r.Stream
}

func (r *RedisChangeStreamOptions) GetMaxLen() int64 {
	if r.MaxLen <= 0 {
		return 10000
	}
	return r.MaxLen
}

func (r *RedisChangeStreamOptions) GetBlockTimeout() time.Duration {
	if r.BlockTimeout <= 0 {
		return 5 * time.Second
	}
	return r.BlockTimeout
}

func (r *RedisChangeStreamOptions) GetRetryInterval() time.Duration {
	if r.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return r.RetryInterval
}

// RedisChangeStream shares local writes with peer nodes through a redis stream.
// Writes published on this node are appended as ChangeNotice entries and
// notices from other nodes are handed to the ChangeNotifier.
type RedisChangeStream struct {
	rdb      redis.UniversalClient
	opt      RedisChangeStreamOptions
	nodeId   string
	center   *notify.NotifyCenter
	notifier ChangeNotifier

	subscriber *notify.FuncSubscriber[*configapi.ConfigPublishedEvent]

	lastId string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisChangeStream(rdb redis.UniversalClient, center *notify.NotifyCenter, notifier ChangeNotifier, opt RedisChangeStreamOptions) *RedisChangeStream {
	nodeId := opt.NodeId
	if nodeId == "" {
		nodeId = uuid.NewString()
	}
	r := &RedisChangeStream{
		rdb:      rdb,
		opt:      opt,
		nodeId:   nodeId,
		center:   center,
		notifier: notifier,
	}
	var subOpts []notify.SubscriberOption[*configapi.ConfigPublishedEvent]
	if opt.Executor != nil {
		subOpts = append(subOpts, notify.WithExecutor[*configapi.ConfigPublishedEvent](opt.Executor))
	}
	r.subscriber = notify.NewFuncSubscriber(r.onConfigPublished, subOpts...)
	return r
}

func (r *RedisChangeStream) NodeId() string {
	return r.nodeId
}

// Start positions the reader after the newest entry so that history is not replayed,
// then subscribes local writes and starts the consumer loop.
func (r *RedisChangeStream) Start(ctx context.Context) error {
	lastId, err := r.latestId(ctx)
	if err != nil {
		return err
	}
	r.lastId = lastId

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.center.AddSubscriber(r.subscriber)
	r.wg.Add(1)
	go r.consumeLoop(loopCtx)
	log.Infow("redis change stream started", "stream", r.opt.GetStream(), "node", r.nodeId, "from", lastId)
	return nil
}

func (r *RedisChangeStream) Stop() error {
	r.center.RemoveSubscriber(r.subscriber)
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *RedisChangeStream) latestId(ctx context.Context) (string, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, r.opt.GetStream(), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (r *RedisChangeStream) onConfigPublished(ev *configapi.ConfigPublishedEvent) error {
	return r.Send(context.Background(), configapi.ChangeNotice{
		DataId:       ev.GroupKey.DataId,
		Group:        ev.GroupKey.Group,
		Tenant:       ev.GroupKey.Tenant,
		Tag:          ev.Tag,
		LastModified: ev.LastModified,
		HandleIP:     ev.HandleIP,
	})
}

// Send appends one notice to the stream
func (r *RedisChangeStream) Send(ctx context.Context, notice configapi.ChangeNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opt.GetStream(),
		MaxLen: r.opt.GetMaxLen(),
		Approx: true,
		Values: map[string]any{
			streamFieldNode: r.nodeId,
			streamFieldData: string(data),
		},
	}).Err()
}

func (r *RedisChangeStream) consumeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.readOnce(ctx, r.opt.GetBlockTimeout()); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorw("read change stream failed", "stream", r.opt.GetStream(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opt.GetRetryInterval()):
			}
		}
	}
}

// readOnce reads the next batch after lastId and dispatches notices from other nodes.
// A negative block reads without waiting.
func (r *RedisChangeStream) readOnce(ctx context.Context, block time.Duration) (int, error) {
	streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.opt.GetStream(), r.lastId},
		Block:   block,
		Count:   100,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cnt := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			r.lastId = msg.ID
			if node, _ := msg.Values[streamFieldNode].(string); node == r.nodeId {
				continue
			}
			dataStr, ok := msg.Values[streamFieldData].(string)
			if !ok {
				continue
			}
			var notice configapi.ChangeNotice
			if err := json.Unmarshal([]byte(dataStr), &notice); err != nil {
				log.Warnw("skip broken change notice", "id", msg.ID, "error", err)
				continue
			}
			gk, err := configapi.NewGroupKey(notice.DataId, notice.Group, notice.Tenant)
			if err != nil {
				log.Warnw("skip change notice with invalid group key", "id", msg.ID, "error", err)
				continue
			}
			r.notifier.NotifyChange(gk, notice.Tag, notice.LastModified, notice.HandleIP)
			cnt++
		}
	}
	return cnt, nil
}
