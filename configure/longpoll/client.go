package longpoll

import (
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

type State int32

const (
	StateRegistered State = iota
	StateMatched
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateMatched:
		return "matched"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Item is one configuration watched by a client together with the fingerprint the client holds
type Item struct {
	GroupKey    configapi.GroupKey
	Tag         string
	Fingerprint string
}

type Request struct {
	Items []Item
	// Timeout requested by the client, clamped by the registry
	Timeout time.Duration
	// NoHangUp answers at once when nothing has changed
	NoHangUp   bool
	RemoteAddr string
}

// Result is delivered exactly once per client
type Result struct {
	Changed   []configapi.ChangedKey
	TimedOut  bool
	Cancelled bool
}

// ChangedGroupKeys returns GroupKey.String() of the changed items without duplicates
func (r Result) ChangedGroupKeys() []string {
	if len(r.Changed) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(r.Changed))
	res := make([]string, 0, len(r.Changed))
	for _, v := range r.Changed {
		k := v.GroupKey.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		res = append(res, k)
	}
	return res
}

// Client is a suspended long-polling request
type Client struct {
	id         string
	items      []Item
	remoteAddr string
	createdAt  time.Time
	deadline   time.Time

	state     atomic.Int32
	done      chan Result
	timer     atomic.Uint64
	stopWatch atomic.Pointer[func() bool]
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Done delivers the only result of the client
func (c *Client) Done() <-chan Result {
	return c.done
}

func (c *Client) Deadline() time.Time {
	return c.deadline
}

type ClientInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr"`
	Listening  int       `json:"listening"`
	CreatedAt  time.Time `json:"createdAt"`
	Deadline   time.Time `json:"deadline"`
}

func (c *Client) info() ClientInfo {
	return ClientInfo{
		ID:         c.id,
		RemoteAddr: c.remoteAddr,
		Listening:  len(c.items),
		CreatedAt:  c.createdAt,
		Deadline:   c.deadline,
	}
}
