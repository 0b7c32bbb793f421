// Package recordstore is the in-memory record store behind the applier.
// Records are field maps keyed by name.
package recordstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNoRecord = errors.New("no such record")

type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]string
}

func New() *Store {
	return &Store{records: make(map[string]map[string]string)}
}

// Create installs name with the given fields, replacing any prior record.
func (s *Store) Create(name string, fields map[string]string) {
	rec := make(map[string]string, len(fields))
	for k, v := range fields {
		rec[k] = v
	}
	s.mu.Lock()
	s.records[name] = rec
	s.mu.Unlock()
}

func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[name]
	return ok
}

// ApplyValue sets field of name and returns the new value.
func (s *Store) ApplyValue(name, field, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	rec[field] = value
	return value, nil
}

func (s *Store) AppendValue(name, field, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	rec[field] += value
	return rec[field], nil
}

func (s *Store) RemoveField(name, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	delete(rec, field)
	return nil
}

// ReadValue reports false when the record or field is missing.
func (s *Store) ReadValue(name, field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[name][field]
	return v, ok
}

func (s *Store) Snapshot(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Restore replaces name with the fields in blob.
func (s *Store) Restore(name, blob string) error {
	rec := make(map[string]string)
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	s.mu.Lock()
	s.records[name] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) Remove(name string) {
	s.mu.Lock()
	delete(s.records, name)
	s.mu.Unlock()
}
