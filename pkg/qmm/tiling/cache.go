// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes plans by problem, platform and planner configuration. Concurrent requests
// for the same problem plan it only once. Failures are not cached.
//
// Plans are immutable once created, and the cached pointer is shared by all callers.
type Cache struct {
	mu    sync.RWMutex
	plans map[string]*Plan
	group singleflight.Group

	hits, misses atomic.Int64
}

// NewCache creates an empty plan cache.
func NewCache() *Cache {
	return &Cache{plans: make(map[string]*Plan)}
}

func (c *Cache) getOrPlan(key string, planFn func() (*Plan, error)) (*Plan, error) {
	c.mu.RLock()
	plan, found := c.plans[key]
	c.mu.RUnlock()
	if found {
		c.hits.Add(1)
		return plan, nil
	}
	c.misses.Add(1)
	v, err, _ := c.group.Do(key, func() (any, error) {
		plan, err := planFn()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.plans[key] = plan
		c.mu.Unlock()
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}

// Stats returns the number of lookups served from the cache and the number that had to plan.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Reset drops all cached plans.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans = make(map[string]*Plan)
}
