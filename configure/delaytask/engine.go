package delaytask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("delaytask")

var (
	ErrNoProcessor    = errors.New("no processor for task")
	ErrProcessorPanic = errors.New("processor panic")
)

// Task is one queued unit of work. At most one task exists per key.
type Task[P any] struct {
	Key             string
	CreateTime      time.Time
	LastProcessTime time.Time
	// Interval is the minimum gap between LastProcessTime and processing
	Interval time.Duration
	Payload  P
}

func NewTask[P any](payload P, interval time.Duration) *Task[P] {
	now := time.Now()
	return &Task[P]{
		CreateTime:      now,
		LastProcessTime: now,
		Interval:        interval,
		Payload:         payload,
	}
}

func (t *Task[P]) ShouldProcess(now time.Time) bool {
	return now.Sub(t.LastProcessTime) >= t.Interval
}

// MergeFunc combines a queued task with an incoming one for the same key
type MergeFunc[P any] func(existing, incoming *Task[P]) *Task[P]

// ReplaceMerge keeps the incoming payload and the latest timestamps
func ReplaceMerge[P any](existing, incoming *Task[P]) *Task[P] {
	merged := *incoming
	if existing.LastProcessTime.After(merged.LastProcessTime) {
		merged.LastProcessTime = existing.LastProcessTime
	}
	if existing.CreateTime.After(merged.CreateTime) {
		merged.CreateTime = existing.CreateTime
	}
	return &merged
}

// Processor handles a task. A returned error makes the engine re-enqueue the task.
type Processor[P any] interface {
	Process(ctx context.Context, task *Task[P]) error
}

type ProcessorFunc[P any] func(ctx context.Context, task *Task[P]) error

func (f ProcessorFunc[P]) Process(ctx context.Context, task *Task[P]) error {
	return f(ctx, task)
}

type EngineOptions[P any] struct {
	Name string
	// Interval between two drains, default 100ms
	Interval time.Duration
	// RetryInterval is the minimum delay before a failed task is processed again
	RetryInterval time.Duration
	Merge         MergeFunc[P]
}

func (o *EngineOptions[P]) GetInterval() time.Duration {
	if o.Interval <= 0 {
		return 100 * time.Millisecond
	}
	return o.Interval
}

// Engine coalesces tasks by key and hands them to processors from a periodic drain loop
type Engine[P any] struct {
	opt   EngineOptions[P]
	merge MergeFunc[P]

	lock  sync.Mutex
	tasks map[string]*Task[P] // protected by lock

	processorLock    sync.RWMutex
	processors       map[string]Processor[P]
	defaultProcessor Processor[P]

	drainLock sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

func NewEngine[P any](opt EngineOptions[P]) *Engine[P] {
	merge := opt.Merge
	if merge == nil {
		merge = ReplaceMerge[P]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine[P]{
		opt:        opt,
		merge:      merge,
		tasks:      map[string]*Task[P]{},
		processors: map[string]Processor[P]{},
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
}

// AddTask queues the task or merges it into the task already queued under key
func (e *Engine[P]) AddTask(key string, task *Task[P]) {
	task.Key = key
	e.lock.Lock()
	defer e.lock.Unlock()
	if existing, ok := e.tasks[key]; ok {
		merged := e.merge(existing, task)
		merged.Key = key
		e.tasks[key] = merged
		return
	}
	e.tasks[key] = task
}

func (e *Engine[P]) removeTask(key string, now time.Time) *Task[P] {
	e.lock.Lock()
	defer e.lock.Unlock()
	task, ok := e.tasks[key]
	if !ok {
		return nil
	}
	if !task.ShouldProcess(now) {
		return nil
	}
	delete(e.tasks, key)
	return task
}

// RemoveTasks drops every queued task matched by pred and returns the count
func (e *Engine[P]) RemoveTasks(pred func(task *Task[P]) bool) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	cnt := 0
	for k, v := range e.tasks {
		if pred(v) {
			delete(e.tasks, k)
			cnt++
		}
	}
	return cnt
}

func (e *Engine[P]) keys() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	keys := make([]string, 0, len(e.tasks))
	for k := range e.tasks {
		keys = append(keys, k)
	}
	return keys
}

func (e *Engine[P]) Size() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.tasks)
}

func (e *Engine[P]) IsEmpty() bool {
	return e.Size() == 0
}

func (e *Engine[P]) AddProcessor(key string, p Processor[P]) {
	e.processorLock.Lock()
	defer e.processorLock.Unlock()
	e.processors[key] = p
}

func (e *Engine[P]) RemoveProcessor(key string) {
	e.processorLock.Lock()
	defer e.processorLock.Unlock()
	delete(e.processors, key)
}

func (e *Engine[P]) SetDefaultProcessor(p Processor[P]) {
	e.processorLock.Lock()
	defer e.processorLock.Unlock()
	e.defaultProcessor = p
}

func (e *Engine[P]) processor(key string) Processor[P] {
	e.processorLock.RLock()
	defer e.processorLock.RUnlock()
	if p, ok := e.processors[key]; ok {
		return p
	}
	return e.defaultProcessor
}

// Start launches the drain loop
func (e *Engine[P]) Start() {
	e.startOnce.Do(func() {
		go e.loop()
	})
}

func (e *Engine[P]) loop() {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.opt.GetInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ProcessTasks()
		}
	}
}

// ProcessTasks runs one drain. Concurrent calls are serialized.
func (e *Engine[P]) ProcessTasks() {
	e.drainLock.Lock()
	defer e.drainLock.Unlock()

	for _, key := range e.keys() {
		if e.ctx.Err() != nil {
			return
		}
		task := e.removeTask(key, time.Now())
		if task == nil {
			continue
		}
		p := e.processor(key)
		if p == nil {
			log.Errorw("task dropped", "engine", e.opt.Name, "key", key, "error", ErrNoProcessor)
			e.failed.Add(1)
			continue
		}
		if err := e.runProcessor(p, task); err != nil {
			e.failed.Add(1)
			e.retryFailedTask(key, task)
			log.Warnw("process task failed, retry later", "engine", e.opt.Name, "key", key, "error", err)
			continue
		}
		e.processed.Add(1)
	}
}

func (e *Engine[P]) runProcessor(p Processor[P], task *Task[P]) (rerr error) {
	defer func() {
		if r := recover(); r != nil {
			rerr = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.Process(e.ctx, task)
}

// retryFailedTask puts the task back. A task queued meanwhile is newer, so it is merged as the incoming one.
func (e *Engine[P]) retryFailedTask(key string, task *Task[P]) {
	task.LastProcessTime = time.Now()
	if task.Interval < e.opt.RetryInterval {
		task.Interval = e.opt.RetryInterval
	}
	e.retried.Add(1)
	e.lock.Lock()
	defer e.lock.Unlock()
	if queued, ok := e.tasks[key]; ok {
		merged := e.merge(task, queued)
		merged.Key = key
		if merged.LastProcessTime.Before(task.LastProcessTime) {
			merged.LastProcessTime = task.LastProcessTime
		}
		e.tasks[key] = merged
		return
	}
	e.tasks[key] = task
}

// Shutdown stops the drain loop. Queued tasks are left unprocessed.
func (e *Engine[P]) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.cancel()
	})
	e.startOnce.Do(func() {
		// never started, nothing to wait for
		close(e.loopDone)
	})
	select {
	case <-e.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

func (e *Engine[P]) Stats() Stats {
	return Stats{
		Name:      e.opt.Name,
		Queued:    e.Size(),
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
		Retried:   e.retried.Load(),
	}
}
