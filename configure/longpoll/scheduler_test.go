package longpoll

import (
	"sync"
	"testing"
	"time"
)

func TestScheduler_Order(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var lock sync.Mutex
	var order []int
	var wg sync.WaitGroup
	now := time.Now()
	for _, v := range []int{3, 1, 2} {
		wg.Add(1)
		s.Schedule(now.Add(time.Duration(v)*20*time.Millisecond), func() {
			lock.Lock()
			order = append(order, v)
			lock.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatal("callbacks should run in deadline order:", order)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	h := s.Schedule(time.Now().Add(30*time.Millisecond), func() {
		fired <- struct{}{}
	})
	if !s.Cancel(h) {
		t.Fatal("pending callback should be cancellable")
	}
	if s.Cancel(h) {
		t.Fatal("second cancel should report false")
	}
	if s.Cancel(0) {
		t.Fatal("zero handle is never issued")
	}
	select {
	case <-fired:
		t.Fatal("cancelled callback ran")
	case <-time.After(80 * time.Millisecond):
	}
	if s.Len() != 0 {
		t.Fatal("scheduler should be empty")
	}
}

func TestScheduler_PastDeadline(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	fired := make(chan struct{})
	h := s.Schedule(time.Now().Add(-time.Second), func() {
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past deadline should fire at once")
	}
	if s.Cancel(h) {
		t.Fatal("fired callback cannot be cancelled")
	}
}

func TestScheduler_PanicIsolated(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	s.Schedule(time.Now(), func() {
		panic("boom")
	})
	fired := make(chan struct{})
	s.Schedule(time.Now().Add(10*time.Millisecond), func() {
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduler should survive a panicking callback")
	}
}
