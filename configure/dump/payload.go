package dump

import (
	"fmt"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/configure/delaytask"
)

type Kind int

const (
	// KindSingle refreshes one configuration
	KindSingle Kind = iota + 1
	// KindAll resynchronizes every configuration
	KindAll
	// KindChange refreshes configurations modified since the last successful dump
	KindChange
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindAll:
		return "dump-all"
	case KindChange:
		return "dump-change"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	TaskKeyDumpAll    = "dump-all"
	TaskKeyDumpChange = "dump-change"
)

// Payload is the data carried by every dump task. Only KindSingle uses the key fields.
type Payload struct {
	Kind         Kind
	GroupKey     configapi.GroupKey
	Tag          string
	LastModified int64
	HandleIP     string
}

// TaskKey places each kind in its own key space.
// Single item keys contain at least one '+', the fixed keys contain none.
func (p Payload) TaskKey() string {
	switch p.Kind {
	case KindAll:
		return TaskKeyDumpAll
	case KindChange:
		return TaskKeyDumpChange
	default:
		return configapi.TaskKeyForTag(p.GroupKey, p.Tag)
	}
}

// Merge combines two tasks of the same key.
// A single item task keeps the notification with the larger modification time, ties go to the incoming one.
// The fixed kinds carry no data so the incoming task is kept.
func Merge(existing, incoming *delaytask.Task[Payload]) *delaytask.Task[Payload] {
	merged := delaytask.ReplaceMerge(existing, incoming)
	switch incoming.Payload.Kind {
	case KindSingle:
		if existing.Payload.Kind == KindSingle && existing.Payload.LastModified > incoming.Payload.LastModified {
			merged.Payload = existing.Payload
		}
	case KindAll, KindChange:
	default:
		log.Warnw("merge task with unknown kind", "key", incoming.Key, "kind", incoming.Payload.Kind.String())
	}
	return merged
}
