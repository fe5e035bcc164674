// Package stmtcache memoizes the result of statement splitting so repeated
// preparations of the same SQL text skip the lexer. Entries are immutable
// parsed commands keyed by the exact source text; eviction is LRU.
package stmtcache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/sqlwire/sqlwire/internal/sqlparse"
)

// DefaultSize is the entry capacity used when none is configured.
const DefaultSize = 256

// Cache is a fixed-capacity LRU of parsed commands. Safe for concurrent use.
type Cache struct {
	lru *lru.Cache
}

// New creates a cache holding up to size commands. A non-positive size
// selects DefaultSize.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only fails on a non-positive size, which is handled above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Split returns the parsed command for sql, consulting the cache first.
// Parse errors are never cached; malformed text is re-lexed on every call so
// error positions stay exact.
func (c *Cache) Split(sql string) (sqlparse.Command, error) {
	if v, ok := c.lru.Get(sql); ok {
		return v.(sqlparse.Command), nil
	}
	cmd, err := sqlparse.Split(sql)
	if err != nil {
		return nil, err
	}
	c.lru.Add(sql, cmd)
	return cmd, nil
}

// Len reports the number of cached commands.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge empties the cache.
func (c *Cache) Purge() { c.lru.Purge() }
