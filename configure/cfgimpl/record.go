package cfgimpl

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/meidoworks/nekoq-config/configure/configapi"
	"github.com/meidoworks/nekoq-config/utility/logging"
)

var log = logging.GetLogger("cfgimpl")

var (
	ErrWatchClosed = errors.New("watch closed")
)

// configRecord is the stored form of a configuration in key value backends.
// A deleted configuration keeps its record so that change scans can report it.
type configRecord struct {
	Item    configapi.ConfigItem `cbor:"item,"`
	Deleted bool                 `cbor:"deleted,"`
}

func recordKey(gk configapi.GroupKey, tag string) string {
	return configapi.TaskKeyForTag(gk, tag)
}

func (c *configRecord) Id() []byte {
	return []byte(recordKey(c.Item.GroupKey, c.Item.Tag))
}

func (c *configRecord) Marshal() ([]byte, error) {
	return cbor.Marshal(c)
}

func (c *configRecord) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, c)
}

// changedSince reports whether the record belongs to a FetchChangedSince(since) result
func (c *configRecord) changedSince(since int64) bool {
	if since <= 0 {
		return !c.Deleted
	}
	return c.Item.LastModified > since
}

// purgeable reports whether the record is a deletion made before beforeMillis
func (c *configRecord) purgeable(beforeMillis int64) bool {
	return c.Deleted && c.Item.LastModified < beforeMillis
}

// nextModified keeps the last modified time of one key strictly increasing
func nextModified(prev *configRecord) int64 {
	now := time.Now().UnixMilli()
	if prev != nil && prev.Item.LastModified >= now {
		return prev.Item.LastModified + 1
	}
	return now
}
