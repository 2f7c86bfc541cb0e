package configapi

import (
	"github.com/meidoworks/nekoq-config/configure/notify"
)

// ConfigChangedEvent is published after the cache accepted a newer configuration or a deletion.
// Scope is the tenant of the configuration.
type ConfigChangedEvent struct {
	notify.BaseEvent

	GroupKey     GroupKey
	Tag          string
	Fingerprint  string
	LastModified int64
	Deleted      bool
}

func NewConfigChangedEvent(gk GroupKey, tag, fingerprint string, lastModified int64, deleted bool) *ConfigChangedEvent {
	return &ConfigChangedEvent{
		BaseEvent:    notify.NewBaseEvent(gk.Tenant),
		GroupKey:     gk,
		Tag:          tag,
		Fingerprint:  fingerprint,
		LastModified: lastModified,
		Deleted:      deleted,
	}
}

// ConfigPublishedEvent is published after the persistent store accepted a write
type ConfigPublishedEvent struct {
	notify.BaseEvent

	GroupKey     GroupKey
	Tag          string
	LastModified int64
	HandleIP     string
}

func NewConfigPublishedEvent(gk GroupKey, tag string, lastModified int64, handleIP string) *ConfigPublishedEvent {
	return &ConfigPublishedEvent{
		BaseEvent:    notify.NewBaseEvent(gk.Tenant),
		GroupKey:     gk,
		Tag:          tag,
		LastModified: lastModified,
		HandleIP:     handleIP,
	}
}
