package dump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/configcache"
	"github.com/meidoworks/nekoq-config/configure/delaytask"
	"github.com/meidoworks/nekoq-config/configure/notify"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("dump")

var (
	ErrServiceStarted = errors.New("dump service already started")
)

type Options struct {
	// TaskInterval is the drain period of the task engine, default 100ms
	TaskInterval time.Duration
	// RetryInterval is the minimum delay before a failed dump runs again
	RetryInterval time.Duration
	// AllInterval is the period of the consistency sweep, default 6h
	AllInterval time.Duration
	// ChangeInterval is the period of the incremental dump, default 30s
	ChangeInterval time.Duration
	// ChangeLookBack widens the incremental window against clock skew between nodes, default 5s
	ChangeLookBack time.Duration
	// TombstoneRetention keeps deletion records so late stale writes are still rejected, default 10m
	TombstoneRetention time.Duration

	// DiskStore is optional. Content is written to it after every accepted dump.
	DiskStore *configcache.DiskStore
}

func (o *Options) GetAllInterval() time.Duration {
	if o.AllInterval <= 0 {
		return 6 * time.Hour
	}
	return o.AllInterval
}

func (o *Options) GetChangeInterval() time.Duration {
	if o.ChangeInterval <= 0 {
		return 30 * time.Second
	}
	return o.ChangeInterval
}

func (o *Options) GetChangeLookBack() time.Duration {
	if o.ChangeLookBack <= 0 {
		return 5 * time.Second
	}
	return o.ChangeLookBack
}

func (o *Options) GetTombstoneRetention() time.Duration {
	if o.TombstoneRetention <= 0 {
		return 10 * time.Minute
	}
	return o.TombstoneRetention
}

// Service keeps the cache eventually consistent with the persistent store
type Service struct {
	opt    Options
	store  configapi.PersistentStore
	cache  *configcache.Cache
	disk   *configcache.DiskStore
	center *notify.NotifyCenter
	engine *delaytask.Engine[Payload]

	// lastDump is the start time in millis of the last successful dump-all or dump-change
	lastDump atomic.Int64

	publishedSubscriber *notify.FuncSubscriber[*configapi.ConfigPublishedEvent]

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(store configapi.PersistentStore, cache *configcache.Cache, center *notify.NotifyCenter, opt Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opt:    opt,
		store:  store,
		cache:  cache,
		disk:   opt.DiskStore,
		center: center,
		engine: delaytask.NewEngine(delaytask.EngineOptions[Payload]{
			Name:          "dump",
			Interval:      opt.TaskInterval,
			RetryInterval: opt.RetryInterval,
			Merge:         Merge,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.engine.SetDefaultProcessor(delaytask.ProcessorFunc[Payload](s.processSingle))
	s.engine.AddProcessor(TaskKeyDumpAll, delaytask.ProcessorFunc[Payload](s.processAll))
	s.engine.AddProcessor(TaskKeyDumpChange, delaytask.ProcessorFunc[Payload](s.processChange))
	s.publishedSubscriber = notify.NewFuncSubscriber(s.onConfigPublished)

	notify.RegisterEvent[*configapi.ConfigChangedEvent](center)
	return s
}

// Start loads the whole store into the cache before starting the background processing
func (s *Service) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServiceStarted
	}
	if err := s.DumpAllNow(s.ctx); err != nil {
		s.started.Store(false)
		return err
	}
	s.center.AddSubscriber(s.publishedSubscriber)
	s.engine.Start()
	s.wg.Add(1)
	go s.scheduleLoop()
	log.Infow("dump service started", "keys", s.cache.Size())
	return nil
}

func (s *Service) scheduleLoop() {
	defer s.wg.Done()
	allTicker := time.NewTicker(s.opt.GetAllInterval())
	defer allTicker.Stop()
	changeTicker := time.NewTicker(s.opt.GetChangeInterval())
	defer changeTicker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-allTicker.C:
			s.DumpAll()
		case <-changeTicker.C:
			s.DumpChange()
		}
	}
}

// DumpAllNow runs a full resynchronization on the calling goroutine
func (s *Service) DumpAllNow(ctx context.Context) error {
	return s.dumpAll(ctx)
}

// NotifyChange enqueues a single item dump. Repeated notifications of one key before the next drain collapse into one.
func (s *Service) NotifyChange(gk configapi.GroupKey, tag string, lastModified int64, handleIP string) {
	p := Payload{
		Kind:         KindSingle,
		GroupKey:     gk,
		Tag:          tag,
		LastModified: lastModified,
		HandleIP:     handleIP,
	}
	s.engine.AddTask(p.TaskKey(), delaytask.NewTask(p, 0))
}

// DumpAll enqueues a full resynchronization
func (s *Service) DumpAll() {
	p := Payload{Kind: KindAll}
	s.engine.AddTask(p.TaskKey(), delaytask.NewTask(p, 0))
}

// DumpChange enqueues an incremental dump
func (s *Service) DumpChange() {
	p := Payload{Kind: KindChange}
	s.engine.AddTask(p.TaskKey(), delaytask.NewTask(p, 0))
}

func (s *Service) onConfigPublished(ev *configapi.ConfigPublishedEvent) error {
	s.NotifyChange(ev.GroupKey, ev.Tag, ev.LastModified, ev.HandleIP)
	return nil
}

func (s *Service) Cache() *configcache.Cache {
	return s.cache
}

func (s *Service) DiskStore() *configcache.DiskStore {
	return s.disk
}

func (s *Service) Stats() delaytask.Stats {
	return s.engine.Stats()
}

// Stop ends the periodic dumps and the task engine. Queued tasks are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.center.RemoveSubscriber(s.publishedSubscriber)
	s.cancel()
	s.wg.Wait()
	return s.engine.Shutdown(ctx)
}
