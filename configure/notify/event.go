package notify

import (
	"reflect"
	"sync/atomic"
)

var sequence atomic.Int64

// Event is an immutable value delivered by the NotifyCenter
type Event interface {
	// Sequence is global and monotonically increasing
	Sequence() int64
	// Scope is optional and used by Subscriber.ScopeMatches
	Scope() string
}

// BaseEvent is embedded by concrete events to fulfill Event
type BaseEvent struct {
	seq   int64
	scope string
}

func NewBaseEvent(scope string) BaseEvent {
	return BaseEvent{
		seq:   sequence.Add(1),
		scope: scope,
	}
}

func (b BaseEvent) Sequence() int64 {
	return b.seq
}

func (b BaseEvent) Scope() string {
	return b.scope
}

// TypeOf returns the dispatch key of the event type E
func TypeOf[E Event]() reflect.Type {
	return reflect.TypeFor[E]()
}
