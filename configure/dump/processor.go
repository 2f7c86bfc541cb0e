package dump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/delaytask"
)

func (s *Service) processSingle(ctx context.Context, task *delaytask.Task[Payload]) error {
	p := task.Payload
	if p.Kind != KindSingle {
		return fmt.Errorf("unexpected task kind %s for key %s", p.Kind, task.Key)
	}
	return s.dumpOne(ctx, p.GroupKey, p.Tag, p.LastModified, p.HandleIP)
}

// dumpOne copies one item from the store into the cache.
// A store failure is returned so the engine retries the task. A stale result is not a failure.
// A miss in the store removes the item unless the cache received a newer write during the fetch.
func (s *Service) dumpOne(ctx context.Context, gk configapi.GroupKey, tag string, notifiedAt int64, handleIP string) error {
	recorded, _ := s.cache.Timestamp(gk, tag)
	item, found, err := s.store.Fetch(ctx, gk, tag)
	if err != nil {
		return fmt.Errorf("fetch %s tag[%s]: %w", gk.String(), tag, err)
	}
	if !found {
		s.remove(gk, tag, max(notifiedAt, recorded))
		return nil
	}
	fingerprint := item.Fingerprint()
	if !s.cache.Put(gk, tag, item.Content, fingerprint, item.LastModified) {
		return nil
	}
	s.saveContent(gk, tag, item.Content)
	s.center.Publish(configapi.NewConfigChangedEvent(gk, tag, fingerprint, item.LastModified, false))
	log.Debugw("config dumped", "groupKey", gk.String(), "tag", tag, "md5", fingerprint, "lastModified", item.LastModified, "handleIp", handleIP)
	return nil
}

func (s *Service) remove(gk configapi.GroupKey, tag string, deletedAt int64) {
	if !s.cache.Remove(gk, tag, deletedAt) {
		return
	}
	if s.disk != nil {
		if err := s.disk.Remove(gk, tag); err != nil {
			log.Errorw("remove config content from disk failed", "groupKey", gk.String(), "tag", tag, "error", err)
		}
	}
	s.center.Publish(configapi.NewConfigChangedEvent(gk, tag, "", deletedAt, true))
	log.Debugw("config removed", "groupKey", gk.String(), "tag", tag, "deletedAt", deletedAt)
}

// saveContent failures are logged only. Readers verify the fingerprint of disk content and fall back to the store.
func (s *Service) saveContent(gk configapi.GroupKey, tag string, content []byte) {
	if s.disk == nil {
		return
	}
	if err := s.disk.Save(gk, tag, content); err != nil {
		log.Errorw("save config content to disk failed", "groupKey", gk.String(), "tag", tag, "error", err)
	}
}

func (s *Service) processAll(ctx context.Context, task *delaytask.Task[Payload]) error {
	return s.dumpAll(ctx)
}

// dumpAll resynchronizes the whole cache with the store.
// Single item tasks queued before the run are dropped since the run reads newer store state for every key.
func (s *Service) dumpAll(ctx context.Context) error {
	start := time.Now()
	superseded := s.engine.RemoveTasks(func(task *delaytask.Task[Payload]) bool {
		return task.Payload.Kind == KindSingle && !task.CreateTime.After(start)
	})

	keys, err := s.store.FetchChangedSince(ctx, 0)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	present := make(map[string]struct{}, len(keys))
	var errs []error
	reconciled := 0
	for _, k := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		taskKey := configapi.TaskKeyForTag(k.GroupKey, k.Tag)
		present[taskKey] = struct{}{}
		item, found, err := s.store.Fetch(ctx, k.GroupKey, k.Tag)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", taskKey, err))
			continue
		}
		if !found {
			delete(present, taskKey)
			continue
		}
		fingerprint := item.Fingerprint()
		if s.cache.Reconcile(k.GroupKey, k.Tag, item.Content, fingerprint, item.LastModified) {
			reconciled++
			s.saveContent(k.GroupKey, k.Tag, item.Content)
			s.center.Publish(configapi.NewConfigChangedEvent(k.GroupKey, k.Tag, fingerprint, item.LastModified, false))
		}
	}

	removed := 0
	for _, gk := range s.cache.Keys() {
		e, ok := s.cache.Get(gk)
		if !ok {
			continue
		}
		if !e.Deleted {
			if _, ok := present[gk.String()]; !ok {
				s.remove(gk, "", 0)
				removed++
			}
		}
		for tag, te := range e.Tags {
			if te.Deleted {
				continue
			}
			if _, ok := present[configapi.TaskKeyForTag(gk, tag)]; !ok {
				s.remove(gk, tag, 0)
				removed++
			}
		}
	}

	purged := s.cache.PurgeTombstones(s.opt.GetTombstoneRetention())
	storePurged := 0
	if p, ok := s.store.(configapi.TombstonePurger); ok {
		n, err := p.PurgeTombstones(ctx, start.Add(-s.opt.GetTombstoneRetention()).UnixMilli())
		if err != nil {
			errs = append(errs, fmt.Errorf("purge store tombstones: %w", err))
		}
		storePurged = n
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.lastDump.Store(start.UnixMilli())
	log.Infow("dump all finished", "keys", len(keys), "reconciled", reconciled, "removed", removed,
		"purged", purged, "storePurged", storePurged, "superseded", superseded, "elapsed", time.Since(start).String())
	return nil
}

func (s *Service) processChange(ctx context.Context, task *delaytask.Task[Payload]) error {
	return s.dumpChange(ctx)
}

// dumpChange refreshes the keys modified since the last successful dump
func (s *Service) dumpChange(ctx context.Context) error {
	last := s.lastDump.Load()
	if last <= 0 {
		return s.dumpAll(ctx)
	}
	start := time.Now()
	since := last - s.opt.GetChangeLookBack().Milliseconds()
	if since < 1 {
		since = 1
	}
	keys, err := s.store.FetchChangedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list changed configs: %w", err)
	}
	var errs []error
	for _, k := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.dumpOne(ctx, k.GroupKey, k.Tag, 0, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.lastDump.Store(start.UnixMilli())
	if len(keys) > 0 {
		log.Infow("dump change finished", "since", since, "keys", len(keys))
	}
	return nil
}
