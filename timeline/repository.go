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

package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/railops/tracksync/common"
)

// ChangeOp the kind of mutation a change event describes
type ChangeOp string

// Change event operations
const (
	ChangeOpCreated ChangeOp = "created"
	ChangeOpUpdated ChangeOp = "updated"
	ChangeOpDeleted ChangeOp = "deleted"
)

// ActivityChange one activity mutation observed through the repository
type ActivityChange struct {
	Op       ChangeOp
	Activity Activity
}

// ChangeHandlerCB callback invoked for every activity mutation
type ChangeHandlerCB func(change ActivityChange)

// Repository activity storage collaborator
type Repository interface {
	FindOverlapping(ctxt context.Context, from, to time.Time) ([]Activity, error)
	FindByID(ctxt context.Context, id string) (Activity, error)
	Save(ctxt context.Context, activity Activity) error
	Delete(ctxt context.Context, id string) error
	OnChange(handler ChangeHandlerCB)
}

// inMemoryRepositoryImpl implements Repository against process memory
type inMemoryRepositoryImpl struct {
	common.Component
	lock       sync.RWMutex
	activities map[string]Activity
	handlers   []ChangeHandlerCB
}

// GetInMemoryRepository define an in-memory activity Repository
func GetInMemoryRepository() (Repository, error) {
	logTags := log.Fields{
		"module": "timeline", "component": "memory-repository",
	}
	return &inMemoryRepositoryImpl{
		Component:  common.Component{LogTags: logTags},
		activities: make(map[string]Activity),
		handlers:   nil,
	}, nil
}

// FindOverlapping fetch all activities overlapping the window [from, to)
func (r *inMemoryRepositoryImpl) FindOverlapping(
	ctxt context.Context, from, to time.Time,
) ([]Activity, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	matched := []Activity{}
	for _, activity := range r.activities {
		if IntervalOverlaps(activity.Interval(), from, to) {
			matched = append(matched, activity)
		}
	}
	// Stable result order for callers pushing these out one at a time
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Start.Before(matched[j].Start)
	})
	return matched, nil
}

// FindByID fetch one activity by ID
func (r *inMemoryRepositoryImpl) FindByID(ctxt context.Context, id string) (Activity, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	activity, ok := r.activities[id]
	if !ok {
		return Activity{}, fmt.Errorf("activity %s is not known", id)
	}
	return activity, nil
}

// Save insert or replace one activity, and notify change handlers
func (r *inMemoryRepositoryImpl) Save(ctxt context.Context, activity Activity) error {
	if activity.ID == "" {
		return fmt.Errorf("can not store an activity without ID")
	}
	r.lock.Lock()
	_, existed := r.activities[activity.ID]
	r.activities[activity.ID] = activity
	handlers := r.handlers
	r.lock.Unlock()

	op := ChangeOpCreated
	if existed {
		op = ChangeOpUpdated
	}
	log.WithFields(r.LogTags).Debugf("Stored activity %s as %s", activity.ID, op)
	for _, handler := range handlers {
		handler(ActivityChange{Op: op, Activity: activity})
	}
	return nil
}

// Delete remove one activity, and notify change handlers. Removing an
// unknown activity is an error.
func (r *inMemoryRepositoryImpl) Delete(ctxt context.Context, id string) error {
	r.lock.Lock()
	activity, ok := r.activities[id]
	if !ok {
		r.lock.Unlock()
		return fmt.Errorf("activity %s is not known", id)
	}
	delete(r.activities, id)
	handlers := r.handlers
	r.lock.Unlock()

	log.WithFields(r.LogTags).Debugf("Deleted activity %s", id)
	for _, handler := range handlers {
		handler(ActivityChange{Op: ChangeOpDeleted, Activity: activity})
	}
	return nil
}

// OnChange register a mutation callback. Handlers run on the mutating
// caller's task; they must hand work off instead of blocking.
func (r *inMemoryRepositoryImpl) OnChange(handler ChangeHandlerCB) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers = append(r.handlers, handler)
}
