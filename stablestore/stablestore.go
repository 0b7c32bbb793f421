// Package stablestore keeps the paxos log folder: one write-ahead log and
// one checkpoint file per consensus instance.
package stablestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gnspaxos/packet"
)

type StableStore interface {
	Write([]byte) (int, error)
	WriteAt([]byte, int64) (int, error)
	Sync() error
}

type Store struct {
	dir     string
	durable bool
}

// New creates dir if needed. With durable unset nothing is fsynced.
func New(dir string, durable bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("paxos log folder: %w", err)
	}
	return &Store{dir: dir, durable: durable}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) base(paxosID string) string {
	return filepath.Join(s.dir, url.PathEscape(paxosID))
}

func (s *Store) OpenLog(paxosID string) (*Log, error) {
	return openLog(s.base(paxosID)+".wal", s.durable)
}

// SaveCheckpoint atomically replaces the instance's checkpoint.
func (s *Store) SaveCheckpoint(paxosID string, cp *packet.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	final := s.base(paxosID) + ".ckpt"
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	var ss StableStore = f
	if _, err := ss.Write(data); err != nil {
		f.Close()
		return err
	}
	if s.durable {
		if err := ss.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// LoadCheckpoint returns nil when the instance has none.
func (s *Store) LoadCheckpoint(paxosID string) (*packet.Checkpoint, error) {
	data, err := os.ReadFile(s.base(paxosID) + ".ckpt")
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp packet.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", paxosID, err)
	}
	return &cp, nil
}

// Remove deletes every file of the instance.
func (s *Store) Remove(paxosID string) error {
	var errs []string
	for _, suffix := range []string{".wal", ".ckpt", ".ckpt.tmp"} {
		if err := os.Remove(s.base(paxosID) + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove %s: %v", paxosID, errs)
	}
	return nil
}
