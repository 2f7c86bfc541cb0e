package configclient

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

const (
	defaultFallbackDataPath = "nekoq-config-snapshot"
)

// snapshotStore keeps the last content received from the server for each listened configuration
type snapshotStore struct {
	fs  afero.Fs
	dir string
}

func newSnapshotStore(fsys afero.Fs, dir string) *snapshotStore {
	if dir == "" {
		dir = defaultFallbackDataPath
	}
	return &snapshotStore{
		fs:  fsys,
		dir: dir,
	}
}

func (s *snapshotStore) path(gk configapi.GroupKey, tag string) string {
	sum := sha1.Sum([]byte(configapi.TaskKeyForTag(gk, tag)))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

func (s *snapshotStore) Save(gk configapi.GroupKey, tag string, content []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	// snapshots are replaced by rename
	p := s.path(gk, tag)
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, content, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, p)
}

func (s *snapshotStore) Load(gk configapi.GroupKey, tag string) ([]byte, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(gk, tag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *snapshotStore) Remove(gk configapi.GroupKey, tag string) error {
	err := s.fs.Remove(s.path(gk, tag))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
