package notify

import (
	"reflect"
)

// Subscriber consumes one concrete event type.
// Implementations must be comparable (usually a pointer) so that add and remove are idempotent.
type Subscriber interface {
	OnEvent(ev Event) error
	SubscribeType() reflect.Type
	// Executor returns nil for synchronous delivery on the publishing goroutine
	Executor() Executor
	ScopeMatches(ev Event) bool
}

type SubscriberOption[E Event] func(s *FuncSubscriber[E])

func WithExecutor[E Event](executor Executor) SubscriberOption[E] {
	return func(s *FuncSubscriber[E]) {
		s.executor = executor
	}
}

func WithScope[E Event](scope string) SubscriberOption[E] {
	return func(s *FuncSubscriber[E]) {
		s.scope = scope
	}
}

// FuncSubscriber adapts a typed function to Subscriber
type FuncSubscriber[E Event] struct {
	fn       func(ev E) error
	executor Executor
	scope    string
}

func NewFuncSubscriber[E Event](fn func(ev E) error, opts ...SubscriberOption[E]) *FuncSubscriber[E] {
	s := &FuncSubscriber[E]{
		fn: fn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (f *FuncSubscriber[E]) OnEvent(ev Event) error {
	return f.fn(ev.(E))
}

func (f *FuncSubscriber[E]) SubscribeType() reflect.Type {
	return TypeOf[E]()
}

func (f *FuncSubscriber[E]) Executor() Executor {
	return f.executor
}

// ScopeMatches accepts everything when no scope is configured
func (f *FuncSubscriber[E]) ScopeMatches(ev Event) bool {
	return f.scope == "" || f.scope == ev.Scope()
}
