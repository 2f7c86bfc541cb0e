package notify

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("notify")

// Publisher fans out one event type to its subscribers
type Publisher struct {
	eventType reflect.Type

	lock        sync.Mutex
	subscribers atomic.Pointer[[]Subscriber] // copy-on-write, mutation protected by lock

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func newPublisher(eventType reflect.Type) *Publisher {
	p := &Publisher{eventType: eventType}
	empty := make([]Subscriber, 0)
	p.subscribers.Store(&empty)
	return p
}

func (p *Publisher) addSubscriber(s Subscriber) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	old := *p.subscribers.Load()
	for _, v := range old {
		if v == s {
			return false
		}
	}
	n := make([]Subscriber, 0, len(old)+1)
	n = append(n, old...)
	n = append(n, s)
	p.subscribers.Store(&n)
	return true
}

func (p *Publisher) removeSubscriber(s Subscriber) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	old := *p.subscribers.Load()
	n := make([]Subscriber, 0, len(old))
	for _, v := range old {
		if v != s {
			n = append(n, v)
		}
	}
	if len(n) == len(old) {
		return false
	}
	p.subscribers.Store(&n)
	return true
}

func (p *Publisher) SubscriberCount() int {
	return len(*p.subscribers.Load())
}

func (p *Publisher) publish(ev Event) {
	p.published.Add(1)
	for _, s := range *p.subscribers.Load() {
		if !s.ScopeMatches(ev) {
			continue
		}
		sub := s
		if executor := sub.Executor(); executor != nil {
			if err := executor.Execute(func() {
				p.deliver(sub, ev)
			}); err != nil {
				p.failed.Add(1)
				log.Errorw("submit event to executor failed", "type", p.eventType.String(), "seq", ev.Sequence(), "error", err)
			}
		} else {
			p.deliver(sub, ev)
		}
	}
}

// deliver isolates subscriber failures from the publisher and from the other subscribers
func (p *Publisher) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			log.Errorw("subscriber panic", "type", p.eventType.String(), "seq", ev.Sequence(), "panic", fmt.Sprint(r))
		}
	}()
	if err := s.OnEvent(ev); err != nil {
		p.failed.Add(1)
		log.Errorw("subscriber failed", "type", p.eventType.String(), "seq", ev.Sequence(), "error", err)
		return
	}
	p.delivered.Add(1)
}

type PublisherStats struct {
	EventType   string `json:"eventType"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		EventType:   p.eventType.String(),
		Subscribers: p.SubscriberCount(),
		Published:   p.published.Load(),
		Delivered:   p.delivered.Load(),
		Failed:      p.failed.Load(),
	}
}

// NotifyCenter routes events to the publisher registered for their concrete type.
// Events of a type without publisher are dropped.
type NotifyCenter struct {
	rwlock     sync.RWMutex
	publishers map[reflect.Type]*Publisher
}

func NewNotifyCenter() *NotifyCenter {
	return &NotifyCenter{
		publishers: map[reflect.Type]*Publisher{},
	}
}

// RegisterEvent creates the publisher of E if missing
func RegisterEvent[E Event](n *NotifyCenter) *Publisher {
	return n.RegisterEventType(TypeOf[E]())
}

func (n *NotifyCenter) RegisterEventType(t reflect.Type) *Publisher {
	n.rwlock.RLock()
	p, ok := n.publishers[t]
	n.rwlock.RUnlock()
	if ok {
		return p
	}

	n.rwlock.Lock()
	defer n.rwlock.Unlock()
	if p, ok := n.publishers[t]; ok {
		return p
	}
	p = newPublisher(t)
	n.publishers[t] = p
	return p
}

func (n *NotifyCenter) publisher(t reflect.Type) *Publisher {
	n.rwlock.RLock()
	defer n.rwlock.RUnlock()
	return n.publishers[t]
}

// Publish is best effort: false means no publisher exists for the concrete type of ev
func (n *NotifyCenter) Publish(ev Event) bool {
	if ev == nil {
		return false
	}
	p := n.publisher(reflect.TypeOf(ev))
	if p == nil {
		log.Debugw("no publisher for event, dropped", "type", reflect.TypeOf(ev).String(), "seq", ev.Sequence())
		return false
	}
	p.publish(ev)
	return true
}

// AddSubscriber registers the publisher of the subscribed type when needed. Adding twice is a no-op.
func (n *NotifyCenter) AddSubscriber(s Subscriber) {
	p := n.RegisterEventType(s.SubscribeType())
	if p.addSubscriber(s) {
		log.Debugw("subscriber added", "type", s.SubscribeType().String())
	}
}

// RemoveSubscriber is a no-op when s is not registered
func (n *NotifyCenter) RemoveSubscriber(s Subscriber) {
	p := n.publisher(s.SubscribeType())
	if p == nil {
		return
	}
	if p.removeSubscriber(s) {
		log.Debugw("subscriber removed", "type", s.SubscribeType().String())
	}
}

func (n *NotifyCenter) Stats() []PublisherStats {
	n.rwlock.RLock()
	defer n.rwlock.RUnlock()
	res := make([]PublisherStats, 0, len(n.publishers))
	for _, p := range n.publishers {
		res = append(res, p.Stats())
	}
	return res
}
