package configapi

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// ConfigItem is the authoritative configuration as read from the persistent store
type ConfigItem struct {
	GroupKey GroupKey `cbor:"gk,"`
	// Tag selects a partial rollout variant of the configuration. Empty for the base content.
	Tag string `cbor:"tag,"`
	// Content is the complete data of the configuration
	Content []byte `cbor:"content,"`
	// LastModified is the unix timestamp in milliseconds of the effective time(create/update)
	LastModified int64 `cbor:"last_modified,"`
	// SrcUser and SrcIp identify the writer, informational only
	SrcUser string `cbor:"src_user,omitempty"`
	SrcIp   string `cbor:"src_ip,omitempty"`
}

func (c *ConfigItem) Fingerprint() string {
	return Fingerprint(c.Content)
}

// ChangedKey is one entry reported by PersistentStore.FetchChangedSince
type ChangedKey struct {
	GroupKey GroupKey
	Tag      string
}

// Fingerprint is the lowercase hex md5 of the content
func Fingerprint(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// ListeningItem is one configuration a long-polling client is interested in
type ListeningItem struct {
	DataId      string `cbor:"data_id," json:"dataId"`
	Group       string `cbor:"group," json:"group"`
	Tenant      string `cbor:"tenant," json:"tenant,omitempty"`
	Tag         string `cbor:"tag," json:"tag,omitempty"`
	Fingerprint string `cbor:"md5," json:"md5"`
}

func (l ListeningItem) GroupKey() (GroupKey, error) {
	return NewGroupKey(l.DataId, l.Group, l.Tenant)
}

type ListenRequest struct {
	Listening []ListeningItem `cbor:"listening," json:"listening"`
}

// ListenResponse carries GroupKey.String() of every changed configuration
type ListenResponse struct {
	Changed []string `cbor:"changed," json:"changed"`
}

type GetConfigurationRes struct {
	Code        string `cbor:"code," json:"code"`
	Message     string `cbor:"msg," json:"msg"`
	Content     []byte `cbor:"content," json:"content"`
	Fingerprint string `cbor:"md5," json:"md5"`
}

// TaskKeyForTag builds a key that never collides with GroupKey.String():
// tagged keys have 4 or 5 '+' separated parts while group keys have 2 or 3.
func TaskKeyForTag(gk GroupKey, tag string) string {
	if tag == "" {
		return gk.String()
	}
	buf := new(strings.Builder)
	buf.WriteString("tag+")
	EscapeKeyPart(buf, tag)
	buf.WriteByte(groupKeySeparator)
	buf.WriteString(gk.String())
	return buf.String()
}
