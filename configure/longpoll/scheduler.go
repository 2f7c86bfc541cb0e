package longpoll

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

type timerItem struct {
	id       Handle
	deadline time.Time
	fn       func()
	index    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler runs callbacks at their deadlines from one goroutine and one timer
type Scheduler struct {
	lock  sync.Mutex
	h     timerHeap
	items map[Handle]*timerItem
	seq   Handle

	wakeup chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewScheduler() *Scheduler {
	s := &Scheduler{
		items:  map[Handle]*timerItem{},
		wakeup: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule runs fn at deadline unless cancelled before
func (s *Scheduler) Schedule(deadline time.Time, fn func()) Handle {
	s.lock.Lock()
	s.seq++
	item := &timerItem{id: s.seq, deadline: deadline, fn: fn}
	heap.Push(&s.h, item)
	s.items[item.id] = item
	first := item.index == 0
	s.lock.Unlock()

	if first {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return item.id
}

// Cancel returns false when the callback already ran or was cancelled
func (s *Scheduler) Cancel(h Handle) bool {
	if h == 0 {
		return false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	item, ok := s.items[h]
	if !ok {
		return false
	}
	delete(s.items, h)
	heap.Remove(&s.h, item.index)
	return true
}

func (s *Scheduler) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.h)
}

func (s *Scheduler) popDue(now time.Time) ([]func(), time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var due []func()
	for len(s.h) > 0 && !s.h[0].deadline.After(now) {
		item := heap.Pop(&s.h).(*timerItem)
		delete(s.items, item.id)
		due = append(due, item.fn)
	}
	if len(s.h) == 0 {
		return due, -1
	}
	return due, s.h[0].deadline.Sub(now)
}

func (s *Scheduler) loop() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		due, wait := s.popDue(time.Now())
		for _, fn := range due {
			s.run(fn)
		}
		if wait >= 0 {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}
		select {
		case <-s.stop:
			return
		case <-s.wakeup:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("scheduled callback panic", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Stop ends the loop. Pending callbacks never run.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
}
