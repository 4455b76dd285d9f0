// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginctx

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/xdg"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// StorageFactory creates the key/value storage of one plugin.
type StorageFactory func(pluginID string) (plugin.Storage, error)

// MemoryStorage keeps values in process memory. Values are stored as their
// JSON encoding so callers never share mutable state with the store.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]json.RawMessage)}
}

// MemoryStorageFactory returns a factory producing independent in-memory
// stores.
func MemoryStorageFactory() StorageFactory {
	return func(string) (plugin.Storage, error) { return NewMemoryStorage(), nil }
}

// Get returns the value stored under key.
func (s *MemoryStorage) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	v, err := decodeValue(raw)
	return v, err == nil, err
}

// Set stores value under key.
func (s *MemoryStorage) Set(_ context.Context, key string, value any) error {
	raw, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

// Delete removes key.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Clear removes every key.
func (s *MemoryStorage) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	return nil
}

// Keys returns the stored keys, sorted.
func (s *MemoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

// FileStorage keeps one plugin's values in a JSON file. Every mutation
// rewrites the file atomically.
type FileStorage struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// NewFileStorage opens the storage file at path, creating parent
// directories as needed. A missing file is an empty store.
func NewFileStorage(path string) (*FileStorage, error) {
	s := &FileStorage{path: path, data: make(map[string]json.RawMessage)}
	raw, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, oops.In("storage").With("path", path).Wrap(err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, oops.In("storage").With("path", path).Hint("corrupt storage file").Wrap(err)
		}
	}
	return s, nil
}

// FileStorageFactory stores each plugin's values in dir/<id>.json.
func FileStorageFactory(dir string) StorageFactory {
	return func(pluginID string) (plugin.Storage, error) {
		return NewFileStorage(filepath.Join(dir, pluginID+".json"))
	}
}

// Get returns the value stored under key.
func (s *FileStorage) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	v, err := decodeValue(raw)
	return v, err == nil, err
}

// Set stores value under key and persists the file.
func (s *FileStorage) Set(_ context.Context, key string, value any) error {
	raw, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	s.data[key] = raw
	if err := s.flushLocked(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

// Delete removes key and persists the file.
func (s *FileStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

// Clear removes every key and the backing file.
func (s *FileStorage) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return oops.In("storage").With("path", s.path).Wrap(err)
	}
	return nil
}

// Keys returns the stored keys, sorted.
func (s *FileStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

func (s *FileStorage) flushLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return oops.In("storage").With("path", s.path).Wrap(err)
	}
	if err := xdg.WriteFileAtomic(s.path, raw, 0o600); err != nil {
		return oops.In("storage").With("path", s.path).Wrap(err)
	}
	return nil
}

// RedisClient is the subset of the go-redis client used by RedisStorage.
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisKeyPrefix prefixes the hash that holds each plugin's values.
const RedisKeyPrefix = "pluginrt:storage:"

// RedisStorage keeps one plugin's values in a Redis hash.
type RedisStorage struct {
	client RedisClient
	key    string
}

// NewRedisStorage creates storage for pluginID backed by client.
func NewRedisStorage(client RedisClient, pluginID string) *RedisStorage {
	return &RedisStorage{client: client, key: RedisKeyPrefix + pluginID}
}

// RedisStorageFactory shares one client between plugins.
func RedisStorageFactory(client RedisClient) StorageFactory {
	return func(pluginID string) (plugin.Storage, error) {
		return NewRedisStorage(client, pluginID), nil
	}
}

// Get returns the value stored under key.
func (s *RedisStorage) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oops.In("storage").With("key", key).Wrap(err)
	}
	v, err := decodeValue(json.RawMessage(raw))
	return v, err == nil, err
}

// Set stores value under key.
func (s *RedisStorage) Set(ctx context.Context, key string, value any) error {
	raw, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, key, string(raw)).Err(); err != nil {
		return oops.In("storage").With("key", key).Wrap(err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.key, key).Err(); err != nil {
		return oops.In("storage").With("key", key).Wrap(err)
	}
	return nil
}

// Clear removes the plugin's hash.
func (s *RedisStorage) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return oops.In("storage").With("hash", s.key).Wrap(err)
	}
	return nil
}

// Keys returns the stored keys, sorted.
func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, oops.In("storage").With("hash", s.key).Wrap(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeValue(key string, value any) (json.RawMessage, error) {
	if key == "" {
		return nil, oops.In("storage").Errorf("key cannot be empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, oops.In("storage").With("key", key).Hint("value must be JSON encodable").Wrap(err)
	}
	return raw, nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, oops.In("storage").Wrap(err)
	}
	return v, nil
}
