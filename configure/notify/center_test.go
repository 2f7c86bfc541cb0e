package notify

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testEvent struct {
	BaseEvent
	Value string
}

type otherEvent struct {
	BaseEvent
}

func TestNotifyCenter_PublishWithoutPublisher(t *testing.T) {
	n := NewNotifyCenter()
	if n.Publish(&testEvent{BaseEvent: NewBaseEvent("")}) {
		t.Fatal("publish should report false without publisher")
	}
	RegisterEvent[*testEvent](n)
	if !n.Publish(&testEvent{BaseEvent: NewBaseEvent("")}) {
		t.Fatal("publish should succeed after registering event")
	}
}

func TestNotifyCenter_SyncDelivery(t *testing.T) {
	n := NewNotifyCenter()
	var got []string
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		got = append(got, ev.Value)
		return nil
	}))
	n.Publish(&testEvent{BaseEvent: NewBaseEvent(""), Value: "a"})
	n.Publish(&testEvent{BaseEvent: NewBaseEvent(""), Value: "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatal("unexpected delivery:", got)
	}
}

func TestNotifyCenter_ExactTypeOnly(t *testing.T) {
	n := NewNotifyCenter()
	var cnt atomic.Int32
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		cnt.Add(1)
		return nil
	}))
	if n.Publish(&otherEvent{BaseEvent: NewBaseEvent("")}) {
		t.Fatal("other event type should not have publisher")
	}
	if cnt.Load() != 0 {
		t.Fatal("subscriber should not receive other event type")
	}
}

func TestNotifyCenter_IdempotentSubscription(t *testing.T) {
	n := NewNotifyCenter()
	var cnt atomic.Int32
	s := NewFuncSubscriber(func(ev *testEvent) error {
		cnt.Add(1)
		return nil
	})
	n.AddSubscriber(s)
	n.AddSubscriber(s)
	n.Publish(&testEvent{BaseEvent: NewBaseEvent("")})
	if cnt.Load() != 1 {
		t.Fatal("duplicated subscriber should receive once, got:", cnt.Load())
	}

	n.RemoveSubscriber(s)
	n.RemoveSubscriber(s)
	n.Publish(&testEvent{BaseEvent: NewBaseEvent("")})
	if cnt.Load() != 1 {
		t.Fatal("removed subscriber should not receive events")
	}
}

func TestNotifyCenter_FailureIsolation(t *testing.T) {
	n := NewNotifyCenter()
	var cnt atomic.Int32
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		panic("boom")
	}))
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		return errors.New("failed")
	}))
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		cnt.Add(1)
		return nil
	}))
	if !n.Publish(&testEvent{BaseEvent: NewBaseEvent("")}) {
		t.Fatal("publish should succeed")
	}
	if cnt.Load() != 1 {
		t.Fatal("healthy subscriber should receive event")
	}
	stats := n.Stats()
	if len(stats) != 1 || stats[0].Failed != 2 || stats[0].Delivered != 1 {
		t.Fatal("unexpected stats:", stats)
	}
}

func TestNotifyCenter_Scope(t *testing.T) {
	n := NewNotifyCenter()
	var cnt atomic.Int32
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		cnt.Add(1)
		return nil
	}, WithScope[*testEvent]("tenant-a")))
	n.Publish(&testEvent{BaseEvent: NewBaseEvent("tenant-b")})
	n.Publish(&testEvent{BaseEvent: NewBaseEvent("tenant-a")})
	if cnt.Load() != 1 {
		t.Fatal("scope filter failed, got:", cnt.Load())
	}
}

func TestNotifyCenter_AsyncDelivery(t *testing.T) {
	n := NewNotifyCenter()
	executor := NewWorkerExecutor(2, 16)
	defer executor.Close()

	var wg sync.WaitGroup
	wg.Add(10)
	block := make(chan struct{})
	n.AddSubscriber(NewFuncSubscriber(func(ev *testEvent) error {
		<-block
		wg.Done()
		return nil
	}, WithExecutor[*testEvent](executor)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(&testEvent{BaseEvent: NewBaseEvent("")})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher should not be blocked by slow async subscriber")
	}
	close(block)
	wg.Wait()
}

func TestGoExecutor_Limit(t *testing.T) {
	executor := NewGoExecutor(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		if err := executor.Execute(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatal("executor exceeded its limit:", peak.Load())
	}
}

func TestBaseEvent_Sequence(t *testing.T) {
	a := NewBaseEvent("")
	b := NewBaseEvent("")
	if b.Sequence() <= a.Sequence() {
		t.Fatal("sequence should increase")
	}
}

func TestNotifyCenter_ConcurrentSubscribeAndPublish(t *testing.T) {
	n := NewNotifyCenter()
	RegisterEvent[*testEvent](n)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := NewFuncSubscriber(func(ev *testEvent) error { return nil })
				n.AddSubscriber(s)
				n.RemoveSubscriber(s)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				n.Publish(&testEvent{BaseEvent: NewBaseEvent("")})
			}
		}()
	}
	wg.Wait()
	if c := n.RegisterEventType(TypeOf[*testEvent]()).SubscriberCount(); c != 0 {
		t.Fatal("all subscribers should be removed, got:", c)
	}
}
