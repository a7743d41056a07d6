package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "retro:session:"
	sessionCacheTTL  = 12 * time.Hour
)

// SessionStore is the session persistence surface the cache wraps.
type SessionStore interface {
	FindSession(ctx context.Context, sessionID string) (SessionRecord, error)
	CreateSession(ctx context.Context, sessionID, adminID string, data []byte) error
	UpsertSession(ctx context.Context, sessionID, adminID string, data []byte) error
	SetSessionStatus(ctx context.Context, sessionID, status string) error
}

// CachedSessionStore keeps hot session records in Redis in front of the
// database. Reads go through the cache; every write invalidates the cached
// copy so the next read repopulates it from the database.
type CachedSessionStore struct {
	backend SessionStore
	client  *redis.Client
}

func NewCachedSessionStore(backend SessionStore, client *redis.Client) *CachedSessionStore {
	return &CachedSessionStore{backend: backend, client: client}
}

func (c *CachedSessionStore) FindSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	key := sessionKeyPrefix + sessionID

	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var record SessionRecord
		if err := json.Unmarshal(cached, &record); err == nil {
			return record, nil
		}
		// Unreadable cache entry. Drop it and fall through to the database.
		c.client.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		// Redis being down must not take sessions down with it.
		return c.backend.FindSession(ctx, sessionID)
	}

	record, err := c.backend.FindSession(ctx, sessionID)
	if err != nil {
		return SessionRecord{}, err
	}

	if encoded, err := json.Marshal(record); err == nil {
		c.client.Set(ctx, key, encoded, sessionCacheTTL)
	}
	return record, nil
}

func (c *CachedSessionStore) CreateSession(ctx context.Context, sessionID, adminID string, data []byte) error {
	if err := c.backend.CreateSession(ctx, sessionID, adminID, data); err != nil {
		return err
	}
	c.client.Del(ctx, sessionKeyPrefix+sessionID)
	return nil
}

func (c *CachedSessionStore) UpsertSession(ctx context.Context, sessionID, adminID string, data []byte) error {
	if err := c.backend.UpsertSession(ctx, sessionID, adminID, data); err != nil {
		return err
	}
	c.client.Del(ctx, sessionKeyPrefix+sessionID)
	return nil
}

func (c *CachedSessionStore) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	if err := c.backend.SetSessionStatus(ctx, sessionID, status); err != nil {
		return err
	}
	c.client.Del(ctx, sessionKeyPrefix+sessionID)
	return nil
}
