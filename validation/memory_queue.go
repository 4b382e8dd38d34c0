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

package validation

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/railops/tracksync/common"
)

// memoryJobQueueImpl implements JobQueue against process memory. Fresh jobs
// flow through a buffered channel, which preserves FIFO order and gives each
// job to exactly one claimer. Nacked jobs take the redeliver channel, which
// Claim drains first.
type memoryJobQueueImpl struct {
	common.Component
	fresh     chan ClaimedJob
	redeliver chan ClaimedJob
	lock      sync.Mutex
	inflight  map[string]Job
}

// GetMemoryJobQueue define an in-memory JobQueue with the given depth
func GetMemoryJobQueue(depth int) (JobQueue, error) {
	if depth < 1 {
		return nil, fmt.Errorf("job queue depth must be at least one")
	}
	logTags := log.Fields{
		"module": "validation", "component": "memory-job-queue",
	}
	return &memoryJobQueueImpl{
		Component: common.Component{LogTags: logTags},
		fresh:     make(chan ClaimedJob, depth),
		redeliver: make(chan ClaimedJob, depth),
		inflight:  make(map[string]Job),
	}, nil
}

// Enqueue append one job to the queue tail. A queue at depth refuses the
// job immediately; the caller must never be stalled waiting on job
// processing.
func (q *memoryJobQueueImpl) Enqueue(ctxt context.Context, job Job) error {
	if ctxt.Err() != nil {
		return ctxt.Err()
	}
	job.State = JobStateQueued
	entry := ClaimedJob{Job: job, Receipt: uuid.New().String()}
	select {
	case q.fresh <- entry:
		log.WithFields(q.LogTags).Debugf("Enqueued %s", job.String())
		return nil
	default:
		return fmt.Errorf("job queue is at its depth of %d", cap(q.fresh))
	}
}

// Claim block until a job is available, preferring redeliveries
func (q *memoryJobQueueImpl) Claim(ctxt context.Context) (ClaimedJob, error) {
	// Drain redeliveries ahead of fresh work
	select {
	case entry := <-q.redeliver:
		return q.recordClaim(entry), nil
	default:
	}
	select {
	case entry := <-q.redeliver:
		return q.recordClaim(entry), nil
	case entry := <-q.fresh:
		return q.recordClaim(entry), nil
	case <-ctxt.Done():
		return ClaimedJob{}, ctxt.Err()
	}
}

// recordClaim track the delivery so Ack / Nack can settle it
func (q *memoryJobQueueImpl) recordClaim(entry ClaimedJob) ClaimedJob {
	q.lock.Lock()
	q.inflight[entry.Receipt] = entry.Job
	q.lock.Unlock()
	log.WithFields(q.LogTags).Debugf("Claimed %s", entry.Job.String())
	return entry
}

// Ack settle a claimed job as done
func (q *memoryJobQueueImpl) Ack(ctxt context.Context, receipt string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.inflight[receipt]; !ok {
		return fmt.Errorf("no inflight delivery for receipt %s", receipt)
	}
	delete(q.inflight, receipt)
	return nil
}

// Nack return a claimed job for redelivery
func (q *memoryJobQueueImpl) Nack(ctxt context.Context, receipt string) error {
	q.lock.Lock()
	job, ok := q.inflight[receipt]
	if !ok {
		q.lock.Unlock()
		return fmt.Errorf("no inflight delivery for receipt %s", receipt)
	}
	delete(q.inflight, receipt)
	q.lock.Unlock()

	entry := ClaimedJob{Job: job, Receipt: receipt, Redelivery: true}
	select {
	case q.redeliver <- entry:
		log.WithFields(q.LogTags).Infof("Returned %s for redelivery", job.String())
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}
