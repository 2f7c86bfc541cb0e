package longpoll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/configcache"
	"github.com/meidoworks/nekoq-config/configure/notify"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("longpoll")

var (
	ErrNoListening     = errors.New("no configuration to listen")
	ErrRegistryStopped = errors.New("long polling registry stopped")
)

type Options struct {
	// MinTimeout is the floor of the client timeout, default 10s
	MinTimeout time.Duration
	// MaxTimeout is the ceiling of the client timeout, default 120s
	MaxTimeout time.Duration
	// ResponseAdvance is subtracted from the timeout so the answer arrives before the client gives up, default 500ms
	ResponseAdvance time.Duration
	// SweepInterval is the period of the full comparison of every client, default 10s
	SweepInterval time.Duration
	// Executor delivers change events to the registry. A worker pool is created when nil.
	Executor notify.Executor
}

func (o *Options) GetMinTimeout() time.Duration {
	if o.MinTimeout <= 0 {
		return 10 * time.Second
	}
	return o.MinTimeout
}

func (o *Options) GetMaxTimeout() time.Duration {
	if o.MaxTimeout <= 0 {
		return 120 * time.Second
	}
	if o.MaxTimeout < o.GetMinTimeout() {
		return o.GetMinTimeout()
	}
	return o.MaxTimeout
}

func (o *Options) GetResponseAdvance() time.Duration {
	if o.ResponseAdvance < 0 {
		return 0
	}
	if o.ResponseAdvance == 0 {
		return 500 * time.Millisecond
	}
	return o.ResponseAdvance
}

func (o *Options) GetSweepInterval() time.Duration {
	if o.SweepInterval <= 0 {
		return 10 * time.Second
	}
	return o.SweepInterval
}

// EffectiveTimeout clamps the requested timeout and subtracts the response advance
func (o *Options) EffectiveTimeout(requested time.Duration) time.Duration {
	t := requested
	if t < o.GetMinTimeout() {
		t = o.GetMinTimeout()
	}
	if t > o.GetMaxTimeout() {
		t = o.GetMaxTimeout()
	}
	if adv := o.GetResponseAdvance(); t > adv {
		t -= adv
	}
	return t
}

type Stats struct {
	Clients   int    `json:"clients"`
	Matched   uint64 `json:"matched"`
	TimedOut  uint64 `json:"timedOut"`
	Cancelled uint64 `json:"cancelled"`
	Timers    int    `json:"timers"`
}

// Registry holds suspended long-polling clients and resolves each of them once,
// by a fingerprint mismatch, by its deadline or by cancellation.
type Registry struct {
	opt       Options
	cache     *configcache.Cache
	center    *notify.NotifyCenter
	scheduler *Scheduler

	executor     notify.Executor
	ownExecutor  *notify.WorkerExecutor
	changeSubber *notify.FuncSubscriber[*configapi.ConfigChangedEvent]

	lock    sync.RWMutex
	clients map[string]*Client
	index   map[string]map[*Client]struct{} // GroupKey.String() -> clients

	matched   atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64

	stopped   bool // guarded by lock
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewRegistry(cache *configcache.Cache, center *notify.NotifyCenter, opt Options) *Registry {
	r := &Registry{
		opt:       opt,
		cache:     cache,
		center:    center,
		scheduler: NewScheduler(),
		clients:   map[string]*Client{},
		index:     map[string]map[*Client]struct{}{},
		stopCh:    make(chan struct{}),
	}
	r.executor = opt.Executor
	if r.executor == nil {
		r.ownExecutor = notify.NewWorkerExecutor(4, 1024)
		r.executor = r.ownExecutor
	}
	r.changeSubber = notify.NewFuncSubscriber(r.onConfigChanged, notify.WithExecutor[*configapi.ConfigChangedEvent](r.executor))
	return r
}

// Start subscribes to configuration changes and starts the periodic sweep
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.center.AddSubscriber(r.changeSubber)
		r.wg.Add(1)
		go r.sweepLoop()
	})
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opt.GetSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// AddClient registers the client before comparing fingerprints so that a change racing with the registration
// is caught by either the comparison or the change event.
// Cancelling ctx cancels the client.
func (r *Registry) AddClient(ctx context.Context, req Request) (*Client, error) {
	if len(req.Items) == 0 {
		return nil, ErrNoListening
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	timeout := r.opt.EffectiveTimeout(req.Timeout)
	c := &Client{
		id:         uuid.NewString(),
		items:      req.Items,
		remoteAddr: req.RemoteAddr,
		createdAt:  now,
		deadline:   now.Add(timeout),
		done:       make(chan Result, 1),
	}
	if !r.register(c) {
		return nil, ErrRegistryStopped
	}

	stop := context.AfterFunc(ctx, func() {
		r.Cancel(c)
	})
	c.stopWatch.Store(&stop)
	if c.State() != StateRegistered {
		stop()
	}

	if changed := r.compare(c); len(changed) > 0 {
		r.resolve(c, StateMatched, changed)
		return c, nil
	}
	if req.NoHangUp {
		r.resolve(c, StateTimedOut, nil)
		return c, nil
	}

	h := r.scheduler.Schedule(c.deadline, func() {
		r.resolve(c, StateTimedOut, nil)
	})
	c.timer.Store(uint64(h))
	if c.State() != StateRegistered {
		r.scheduler.Cancel(h)
	}
	log.Debugw("long polling client added", "id", c.id, "remoteAddr", c.remoteAddr, "listening", len(c.items), "timeout", timeout.String())
	return c, nil
}

// Cancel resolves the client as cancelled, e.g. when the connection is gone
func (r *Registry) Cancel(c *Client) bool {
	return r.resolve(c, StateCancelled, nil)
}

// register fails once Stop began, so every registered client is answered by Stop
func (r *Registry) register(c *Client) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return false
	}
	r.clients[c.id] = c
	for _, item := range c.items {
		key := item.GroupKey.String()
		m, ok := r.index[key]
		if !ok {
			m = map[*Client]struct{}{}
			r.index[key] = m
		}
		m[c] = struct{}{}
	}
	return true
}

func (r *Registry) unregister(c *Client) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.clients, c.id)
	for _, item := range c.items {
		key := item.GroupKey.String()
		m, ok := r.index[key]
		if !ok {
			continue
		}
		delete(m, c)
		if len(m) == 0 {
			delete(r.index, key)
		}
	}
}

// compare lists the items whose fingerprint differs from the cache.
// An item absent from the cache matches an empty fingerprint.
func (r *Registry) compare(c *Client) []configapi.ChangedKey {
	var changed []configapi.ChangedKey
	for _, item := range c.items {
		current, _ := r.cache.Fingerprint(item.GroupKey, item.Tag)
		if current != item.Fingerprint {
			changed = append(changed, configapi.ChangedKey{GroupKey: item.GroupKey, Tag: item.Tag})
		}
	}
	return changed
}

// resolve moves the client out of the registered state. Only the first caller wins and delivers the result.
func (r *Registry) resolve(c *Client, state State, changed []configapi.ChangedKey) bool {
	if !c.state.CompareAndSwap(int32(StateRegistered), int32(state)) {
		return false
	}
	r.unregister(c)
	r.scheduler.Cancel(Handle(c.timer.Load()))
	if stop := c.stopWatch.Load(); stop != nil {
		(*stop)()
	}

	res := Result{Changed: changed}
	switch state {
	case StateMatched:
		r.matched.Add(1)
	case StateTimedOut:
		res.TimedOut = true
		r.timedOut.Add(1)
	case StateCancelled:
		res.Cancelled = true
		r.cancelled.Add(1)
	}
	c.done <- res
	log.Debugw("long polling client resolved", "id", c.id, "state", state.String(), "changed", len(changed))
	return true
}

func (r *Registry) clientsOf(gk configapi.GroupKey) []*Client {
	r.lock.RLock()
	defer r.lock.RUnlock()
	m := r.index[gk.String()]
	res := make([]*Client, 0, len(m))
	for c := range m {
		res = append(res, c)
	}
	return res
}

func (r *Registry) allClients() []*Client {
	r.lock.RLock()
	defer r.lock.RUnlock()
	res := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		res = append(res, c)
	}
	return res
}

func (r *Registry) onConfigChanged(ev *configapi.ConfigChangedEvent) error {
	for _, c := range r.clientsOf(ev.GroupKey) {
		if changed := r.compare(c); len(changed) > 0 {
			r.resolve(c, StateMatched, changed)
		}
	}
	return nil
}

// Sweep compares every registered client against the cache
func (r *Registry) Sweep() int {
	cnt := 0
	for _, c := range r.allClients() {
		if changed := r.compare(c); len(changed) > 0 {
			if r.resolve(c, StateMatched, changed) {
				cnt++
			}
		}
	}
	if cnt > 0 {
		log.Infow("long polling sweep resolved clients", "count", cnt)
	}
	return cnt
}

func (r *Registry) Size() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.clients)
}

func (r *Registry) Clients() []ClientInfo {
	clients := r.allClients()
	res := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		res = append(res, c.info())
	}
	return res
}

func (r *Registry) Stats() Stats {
	return Stats{
		Clients:   r.Size(),
		Matched:   r.matched.Load(),
		TimedOut:  r.timedOut.Load(),
		Cancelled: r.cancelled.Load(),
		Timers:    r.scheduler.Len(),
	}
}

// Stop answers every remaining client as timed out and releases the background goroutines
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.lock.Lock()
		r.stopped = true
		r.lock.Unlock()
		r.center.RemoveSubscriber(r.changeSubber)
		close(r.stopCh)
		r.wg.Wait()
		for _, c := range r.allClients() {
			r.resolve(c, StateTimedOut, nil)
		}
		r.scheduler.Stop()
		if r.ownExecutor != nil {
			r.ownExecutor.Close()
		}
	})
}
