package auth

import (
	"context"
	"crypto/md5" //nolint:gosec // see auth.go
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedTable wraps a Table with a read-through Redis cache keyed by
// "dynamo:auth:<title>:<checksum>", avoiding a round trip to the authorization store for
// the common case of a script being re-run by the same or another user
// shortly after its first authorization check.
type CachedTable struct {
	inner Table
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedTable wraps inner with a cache on the given Redis client. Cache entries hold
// the comma-joined set of permitted user ids and expire after ttl.
func NewCachedTable(inner Table, rdb *redis.Client, ttl time.Duration) *CachedTable {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedTable{inner: inner, rdb: rdb, ttl: ttl}
}

// IsAuthorized checks the cache first; on a miss it falls through to the
// wrapped Table and backfills the cache. The cache stores permission
// *sets*, not the userID-specific boolean, so one entry serves every
// caller of the same (title, checksum). Only a *PostgresTable inner is
// backfilled; any other Table is called directly on a miss and nothing is
// written to the cache.
func (c *CachedTable) IsAuthorized(title string, scriptBytes []byte, userID uint64) (bool, error) {
	sum := md5.Sum(scriptBytes) //nolint:gosec
	checksum := hex.EncodeToString(sum[:])
	key := "dynamo:auth:" + title + ":" + checksum
	ctx := context.Background()

	if cached, err := c.rdb.Get(ctx, key).Result(); err == nil {
		return matchUserID(cached, userID), nil
	} else if err != redis.Nil {
		// Cache backend trouble should not block authorization; fall
		// through to the source of truth.
		_ = err
	}

	pt, ok := c.inner.(*PostgresTable)
	if !ok {
		return c.inner.IsAuthorized(title, scriptBytes, userID)
	}

	var userIDs []uint64
	err := pt.db.Model(&AuthorizedExecutable{}).
		Where("title = ? AND checksum = ?", title, checksum).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return false, fmt.Errorf("querying authorization for %q: %w", title, err)
	}

	set := joinUserIDs(userIDs)
	if err := c.rdb.Set(ctx, key, set, c.ttl).Err(); err != nil {
		// Non-fatal: authorization still succeeds, just uncached.
		_ = err
	}

	return matchUserID(set, userID), nil
}

func joinUserIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func matchUserID(csv string, userID uint64) bool {
	if csv == "" {
		return false
	}
	for _, part := range strings.Split(csv, ",") {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			continue
		}
		if id == 0 || id == userID {
			return true
		}
	}
	return false
}
