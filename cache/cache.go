// Package cache durably persists the last-good JWKS snapshot in Redis, so
// a restarted process can seed its store before the first background
// fetch completes instead of rejecting every request with NO_VALIDATORS.
package cache

import (
	"time"

	"github.com/garyburd/redigo/redis"
	log "github.com/sirupsen/logrus"
)

const snapshotTTL = 24 * time.Hour

// Cache implements jwks.SnapshotCache.
type Cache struct {
	pool *redis.Pool
	key  string
}

// New builds a Cache backed by a Redis connection pool, following the
// project's established Dial/AUTH/TestOnBorrow pool pattern. key
// namespaces the cached document, e.g. "jwtfilter:jwks:<cluster>".
func New(address, password, key string) *Cache {
	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", address)
			if err != nil {
				return nil, err
			}
			if password != "" {
				if _, err := c.Do("AUTH", password); err != nil {
					c.Close()
					return nil, err
				}
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	log.WithField("address", address).Info("cache: using redis for jwks snapshot persistence")
	return &Cache{pool: pool, key: key}
}

// Save stores the raw JWKS document, overwriting any previous value. Unlike
// the project's transient OAuth2 state store, Save never deletes: the
// cached snapshot is meant to be read many times across restarts.
func (c *Cache) Save(raw []byte) error {
	conn := c.pool.Get()
	defer conn.Close()
	_, err := conn.Do("SET", c.key, raw, "EX", int(snapshotTTL.Seconds()))
	return err
}

// Load returns the last saved document, or (nil, nil) if none exists.
func (c *Cache) Load() ([]byte, error) {
	conn := c.pool.Get()
	defer conn.Close()
	v, err := redis.Bytes(conn.Do("GET", c.key))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
