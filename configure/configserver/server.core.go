package configserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/configcache"
	"github.com/meidoworks/nekoq-config/configure/delaytask"
	"github.com/meidoworks/nekoq-config/configure/dump"
	"github.com/meidoworks/nekoq-config/configure/longpoll"
	"github.com/meidoworks/nekoq-config/configure/notify"
)

var (
	ErrHasUnknownConfiguration = errors.New("has unknown configuration")
)

// server owns the propagation pipeline: event bus, cache, dump service and long-polling registry
type server struct {
	store    configapi.PersistentStore
	center   *notify.NotifyCenter
	cache    *configcache.Cache
	disk     *configcache.DiskStore
	dump     *dump.Service
	registry *longpoll.Registry
	executor *notify.WorkerExecutor
}

func newServer(opt *ConfigureOptions) *server {
	center := notify.NewNotifyCenter()
	notify.RegisterEvent[*configapi.ConfigChangedEvent](center)
	notify.RegisterEvent[*configapi.ConfigPublishedEvent](center)

	var disk *configcache.DiskStore
	if opt.ContentDir != "" {
		disk = configcache.NewDiskStore(configcache.DiskStoreOptions{BasePath: opt.ContentDir})
	}
	cache := configcache.NewCache(configcache.Options{KeepContent: disk == nil})
	executor := notify.NewWorkerExecutor(opt.GetEventWorkers(), 4096)

	return &server{
		store:    opt.PersistentStore,
		center:   center,
		cache:    cache,
		disk:     disk,
		executor: executor,
		dump: dump.NewService(opt.PersistentStore, cache, center, dump.Options{
			TaskInterval:   opt.DumpTaskInterval,
			RetryInterval:  opt.DumpRetryInterval,
			AllInterval:    opt.DumpAllInterval,
			ChangeInterval: opt.DumpChangeInterval,
			DiskStore:      disk,
		}),
		registry: longpoll.NewRegistry(cache, center, longpoll.Options{
			MinTimeout:    opt.GetMinWaitTimeForUpdate(),
			MaxTimeout:    opt.GetMaxWaitTimeForUpdate(),
			SweepInterval: opt.LongPollSweepInterval,
			Executor:      executor,
		}),
	}
}

func (s *server) Startup() error {
	if s.disk != nil {
		// content is reloaded by the initial dump
		if err := s.disk.Clear(); err != nil {
			return fmt.Errorf("clear content dir: %w", err)
		}
	}
	if err := s.dump.Start(); err != nil {
		return fmt.Errorf("initial dump: %w", err)
	}
	s.registry.Start()
	return nil
}

// StopPolling answers every suspended client so the http servers can drain
func (s *server) StopPolling() {
	s.registry.Stop()
}

func (s *server) Shutdown(ctx context.Context) error {
	s.registry.Stop()
	err := s.dump.Stop(ctx)
	s.executor.Close()
	return err
}

// GetConfiguration reads the content of gk and tag.
// Content comes from the cache, the disk store or the persistent store in that order.
func (s *server) GetConfiguration(ctx context.Context, gk configapi.GroupKey, tag string) (configcache.TagEntry, error) {
	e, ok := s.cache.Get(gk)
	if !ok {
		return configcache.TagEntry{}, ErrHasUnknownConfiguration
	}
	te, ok := e.TagContent(tag)
	if !ok {
		return configcache.TagEntry{}, ErrHasUnknownConfiguration
	}
	if s.cache.KeepContent() {
		return te, nil
	}
	if s.disk != nil {
		data, found, err := s.disk.Load(gk, tag)
		if err != nil {
			log.Warnw("load content from disk failed", "groupKey", gk.String(), "tag", tag, "error", err)
		} else if found && configapi.Fingerprint(data) == te.Fingerprint {
			te.Content = data
			return te, nil
		}
	}
	item, found, err := s.store.Fetch(ctx, gk, tag)
	if err != nil {
		return configcache.TagEntry{}, err
	}
	if !found {
		s.dump.NotifyChange(gk, tag, 0, "")
		return configcache.TagEntry{}, ErrHasUnknownConfiguration
	}
	if item.LastModified > te.LastModified {
		// the cache lags behind, let the pipeline catch up
		s.dump.NotifyChange(gk, tag, item.LastModified, "")
	}
	return configcache.TagEntry{
		Content:      item.Content,
		Fingerprint:  item.Fingerprint(),
		LastModified: item.LastModified,
	}, nil
}

type Stats struct {
	CacheSize int                     `json:"cacheSize"`
	Dump      delaytask.Stats         `json:"dump"`
	LongPoll  longpoll.Stats          `json:"longPoll"`
	Events    []notify.PublisherStats `json:"events"`
}

func (s *server) Stats() Stats {
	return Stats{
		CacheSize: s.cache.Size(),
		Dump:      s.dump.Stats(),
		LongPoll:  s.registry.Stats(),
		Events:    s.center.Stats(),
	}
}
