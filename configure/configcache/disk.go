package configcache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io/fs"

	"github.com/peterbourgon/diskv/v3"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

type DiskStoreOptions struct {
	BasePath string
	// CacheSizeMax is the in-memory read cache of diskv in bytes
	CacheSizeMax uint64
}

// DiskStore keeps configuration content on local disk so the in-memory cache can hold fingerprints only
type DiskStore struct {
	d *diskv.Diskv
}

func NewDiskStore(opt DiskStoreOptions) *DiskStore {
	cacheSize := opt.CacheSizeMax
	if cacheSize == 0 {
		cacheSize = 16 * 1024 * 1024
	}
	return &DiskStore{
		d: diskv.New(diskv.Options{
			BasePath: opt.BasePath,
			Transform: func(s string) []string {
				// two level fan out: ab/cd/abcdef...
				return []string{s[0:2], s[2:4]}
			},
			CacheSizeMax: cacheSize,
		}),
	}
}

func diskKey(gk configapi.GroupKey, tag string) string {
	sum := sha1.Sum([]byte(configapi.TaskKeyForTag(gk, tag)))
	return hex.EncodeToString(sum[:])
}

func (d *DiskStore) Save(gk configapi.GroupKey, tag string, content []byte) error {
	return d.d.Write(diskKey(gk, tag), content)
}

// Load returns false when no content is stored
func (d *DiskStore) Load(gk configapi.GroupKey, tag string) ([]byte, bool, error) {
	data, err := d.d.Read(diskKey(gk, tag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *DiskStore) Remove(gk configapi.GroupKey, tag string) error {
	err := d.d.Erase(diskKey(gk, tag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DiskStore) Clear() error {
	return d.d.EraseAll()
}
