package configapi

import (
	"context"
)

// PersistentStore is the read side of the authoritative configuration storage.
// The dump pipeline depends on these two operations only.
type PersistentStore interface {
	// Fetch returns the item or false when it does not exist (deleted or never created)
	Fetch(ctx context.Context, gk GroupKey, tag string) (ConfigItem, bool, error)
	// FetchChangedSince lists every key created, modified or deleted after sinceMillis(exclusive).
	// FetchChangedSince(0) lists every existing key.
	FetchChangedSince(ctx context.Context, sinceMillis int64) ([]ChangedKey, error)
}

// TombstonePurger is implemented by stores keeping deleted configurations for change scans
type TombstonePurger interface {
	// PurgeTombstones drops deletions made before beforeMillis and returns the number removed
	PurgeTombstones(ctx context.Context, beforeMillis int64) (int, error)
}

type DataWriter interface {
	Startup() error
	Stop() error
	// Save creates or updates the item and returns the stored last modified time
	Save(ctx context.Context, item ConfigItem) (int64, error)
	// Delete returns false when no such item exists
	Delete(ctx context.Context, gk GroupKey, tag string) (int64, bool, error)
}
