// Copyright 2024-2025 The tracksync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscription

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/timeline"
)

// DetailLevel the level of detail a viewer subscribed at
type DetailLevel string

// Supported levels of detail
const (
	DetailLevelActivity DetailLevel = "activity"
	DetailLevelService  DetailLevel = "service"
)

// Context one connection's declared interest: the half-open time window
// [WindowStart, WindowEnd) it is viewing and the level of detail
type Context struct {
	ConnectionID string      `json:"connection_id" validate:"required"`
	WindowStart  time.Time   `json:"window_start"`
	WindowEnd    time.Time   `json:"window_end"`
	DetailLevel  DetailLevel `json:"detail_level" validate:"required,oneof=activity service"`
}

// String human readable form of the subscription context
func (c Context) String() string {
	return fmt.Sprintf(
		"%s@[%s,%s)/%s",
		c.ConnectionID,
		c.WindowStart.Format(time.RFC3339),
		c.WindowEnd.Format(time.RFC3339),
		c.DetailLevel,
	)
}

// DefaultContext the subscription installed the moment a connection is
// accepted, before its first viewport message: everything from epoch to now
// at activity detail
func DefaultContext(connectionID string, now time.Time) Context {
	return Context{
		ConnectionID: connectionID,
		WindowStart:  time.Unix(0, 0).UTC(),
		WindowEnd:    now,
		DetailLevel:  DetailLevelActivity,
	}
}

// ========================================================================================

// Registry concurrency safe store of live subscription contexts
type Registry interface {
	// Upsert insert or fully replace the context for a connection
	Upsert(newContext Context) error
	// Remove drop the context of a connection. Removing an unknown
	// connection is a no-op.
	Remove(connectionID string)
	// Get fetch the current context of a connection
	Get(connectionID string) (Context, bool)
	// Matching scan all live contexts and return the connection IDs whose
	// window overlaps the given activity interval, at the given detail level
	Matching(interval timeline.ActivityInterval, lod DetailLevel) []string
	// Count the number of live contexts
	Count() int
}

// registryShard one lock-scoped slice of the registry
type registryShard struct {
	lock    sync.RWMutex
	entries map[string]Context
}

// shardedRegistryImpl implements Registry as a fixed set of independently
// locked shards, so viewport updates on one connection never serialize
// against fan-out scans triggered by another
type shardedRegistryImpl struct {
	common.Component
	shards []*registryShard
}

// shardCount fixed shard fan-out; connection IDs hash across these
const shardCount = 32

// GetShardedRegistry define a sharded subscription Registry
func GetShardedRegistry() (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry",
	}
	shards := make([]*registryShard, shardCount)
	for itr := 0; itr < shardCount; itr++ {
		shards[itr] = &registryShard{entries: make(map[string]Context)}
	}
	return &shardedRegistryImpl{
		Component: common.Component{LogTags: logTags},
		shards:    shards,
	}, nil
}

// shardFor map a connection ID to its shard
func (r *shardedRegistryImpl) shardFor(connectionID string) *registryShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(connectionID))
	return r.shards[hasher.Sum32()%shardCount]
}

// Upsert insert or fully replace the context for a connection
func (r *shardedRegistryImpl) Upsert(newContext Context) error {
	if newContext.ConnectionID == "" {
		return fmt.Errorf("subscription context missing connection ID")
	}
	if newContext.WindowEnd.Before(newContext.WindowStart) {
		return fmt.Errorf(
			"subscription window for %s ends before it starts", newContext.ConnectionID,
		)
	}
	shard := r.shardFor(newContext.ConnectionID)
	shard.lock.Lock()
	shard.entries[newContext.ConnectionID] = newContext
	shard.lock.Unlock()
	log.WithFields(r.LogTags).Debugf("Installed %s", newContext.String())
	return nil
}

// Remove drop the context of a connection
func (r *shardedRegistryImpl) Remove(connectionID string) {
	shard := r.shardFor(connectionID)
	shard.lock.Lock()
	delete(shard.entries, connectionID)
	shard.lock.Unlock()
	log.WithFields(r.LogTags).Debugf("Removed subscription of %s", connectionID)
}

// Get fetch the current context of a connection
func (r *shardedRegistryImpl) Get(connectionID string) (Context, bool) {
	shard := r.shardFor(connectionID)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	entry, ok := shard.entries[connectionID]
	return entry, ok
}

// Matching scan all live contexts for windows overlapping the interval
func (r *shardedRegistryImpl) Matching(
	interval timeline.ActivityInterval, lod DetailLevel,
) []string {
	matched := []string{}
	for _, shard := range r.shards {
		shard.lock.RLock()
		for connectionID, entry := range shard.entries {
			if entry.DetailLevel != lod {
				continue
			}
			if timeline.IntervalOverlaps(interval, entry.WindowStart, entry.WindowEnd) {
				matched = append(matched, connectionID)
			}
		}
		shard.lock.RUnlock()
	}
	return matched
}

// Count the number of live contexts
func (r *shardedRegistryImpl) Count() int {
	total := 0
	for _, shard := range r.shards {
		shard.lock.RLock()
		total += len(shard.entries)
		shard.lock.RUnlock()
	}
	return total
}
