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
	"testing"
	"time"

	"github.com/railops/tracksync/timeline"
	"github.com/stretchr/testify/assert"
)

// flakyRuleEngine fails its first N calls with an infrastructure error
type flakyRuleEngine struct {
	lock      sync.Mutex
	failFirst int
	calls     int
	verdict   EngineOutcome
}

func (e *flakyRuleEngine) Validate(ctxt context.Context, job Job) (EngineOutcome, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.calls++
	if e.calls <= e.failFirst {
		return EngineOutcome{}, fmt.Errorf("engine connection refused")
	}
	return e.verdict, nil
}

func (e *flakyRuleEngine) callCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.calls
}

// collectResults gather terminal results for inspection
type collectResults struct {
	lock    sync.Mutex
	results []Result
	notify  chan Result
}

func newCollectResults() *collectResults {
	return &collectResults{notify: make(chan Result, 16)}
}

func (c *collectResults) handle(result Result) {
	c.lock.Lock()
	c.results = append(c.results, result)
	c.lock.Unlock()
	c.notify <- result
}

func (c *collectResults) await(t *testing.T) Result {
	select {
	case result := <-c.notify:
		return result
	case <-time.After(time.Second * 5):
		t.Fatal("Timed out waiting for a validation result")
		return Result{}
	}
}

func (c *collectResults) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.results)
}

func definePoolForTest(
	t *testing.T,
	ctxt context.Context,
	engine RuleEngine,
	store timeline.Repository,
	sink *collectResults,
) (WorkerPool, JobQueue) {
	assert := assert.New(t)
	queue, err := GetMemoryJobQueue(16)
	assert.Nil(err)
	uut, err := GetValidationWorkerPool(ctxt, WorkerPoolParams{
		Queue:          queue,
		Engine:         engine,
		Store:          store,
		ResultCB:       sink.handle,
		Workers:        1,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond * 4,
	})
	assert.Nil(err)
	return uut, queue
}

func TestWorkerPoolParamValidation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := timeline.GetInMemoryRepository()
	assert.Nil(err)
	queue, err := GetMemoryJobQueue(4)
	assert.Nil(err)
	engine, err := GetTemporalOrderRuleEngine()
	assert.Nil(err)
	sink := newCollectResults()

	completeParams := func() WorkerPoolParams {
		return WorkerPoolParams{
			Queue:       queue,
			Engine:      engine,
			Store:       store,
			ResultCB:    sink.handle,
			Workers:     1,
			MaxAttempts: 2,
		}
	}

	// Case 0: the complete parameter set is accepted
	{
		uut, err := GetValidationWorkerPool(utCtxt, completeParams())
		assert.Nil(err)
		assert.NotNil(uut)
	}

	// Case 1: empty parameters are refused
	{
		_, err := GetValidationWorkerPool(utCtxt, WorkerPoolParams{})
		assert.NotNil(err)
	}

	// Case 2: each missing collaborator is refused
	{
		params := completeParams()
		params.Queue = nil
		_, err := GetValidationWorkerPool(utCtxt, params)
		assert.NotNil(err)

		params = completeParams()
		params.Engine = nil
		_, err = GetValidationWorkerPool(utCtxt, params)
		assert.NotNil(err)

		params = completeParams()
		params.Store = nil
		_, err = GetValidationWorkerPool(utCtxt, params)
		assert.NotNil(err)

		params = completeParams()
		params.ResultCB = nil
		_, err = GetValidationWorkerPool(utCtxt, params)
		assert.NotNil(err)
	}

	// Case 3: out of range sizing is refused
	{
		params := completeParams()
		params.Workers = 0
		_, err := GetValidationWorkerPool(utCtxt, params)
		assert.NotNil(err)

		params = completeParams()
		params.MaxAttempts = 1
		_, err = GetValidationWorkerPool(utCtxt, params)
		assert.NotNil(err)
	}
}

func TestWorkerPoolAppliesValidChange(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	store, err := timeline.GetInMemoryRepository()
	assert.Nil(err)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	origEnd := base.Add(time.Hour)
	assert.Nil(store.Save(utCtxt, timeline.Activity{
		ID: "act-1", Type: "run", Start: base, End: &origEnd,
	}))

	sink := newCollectResults()
	uut, queue := definePoolForTest(t, utCtxt, &flakyRuleEngine{
		verdict: EngineOutcome{OK: true},
	}, store, sink)
	assert.Nil(uut.Start(&wg))
	assert.NotNil(uut.Start(&wg))

	newStart := base.Add(time.Hour * 2)
	newEnd := base.Add(time.Hour * 3)
	assert.Nil(queue.Enqueue(utCtxt, Job{
		RequestID:     "req-1",
		ActivityID:    "act-1",
		ProposedStart: newStart,
		ProposedEnd:   &newEnd,
		SubmittedAt:   base,
	}))

	result := sink.await(t)
	assert.Equal("req-1", result.RequestID)
	assert.Equal(ResultStatusOK, result.Status)
	assert.Empty(result.Errors)
	assert.Equal(1, sink.count())

	// The validated timing change is now in the store
	stored, err := store.FindByID(utCtxt, "act-1")
	assert.Nil(err)
	assert.True(stored.Start.Equal(newStart))
	assert.True(stored.End.Equal(newEnd))
	assert.False(stored.OpenEnded)
}

func TestWorkerPoolRejectsInvalidChange(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	store, err := timeline.GetInMemoryRepository()
	assert.Nil(err)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	origEnd := base.Add(time.Hour)
	assert.Nil(store.Save(utCtxt, timeline.Activity{
		ID: "act-1", Type: "run", Start: base, End: &origEnd,
	}))

	engine, err := GetTemporalOrderRuleEngine()
	assert.Nil(err)
	sink := newCollectResults()
	uut, queue := definePoolForTest(t, utCtxt, engine, store, sink)
	assert.Nil(uut.Start(&wg))

	// Proposed end precedes the proposed start
	badEnd := base.Add(-time.Hour)
	assert.Nil(queue.Enqueue(utCtxt, Job{
		RequestID:     "req-1",
		ActivityID:    "act-1",
		ProposedStart: base,
		ProposedEnd:   &badEnd,
		SubmittedAt:   base,
	}))

	result := sink.await(t)
	assert.Equal(ResultStatusError, result.Status)
	assert.Len(result.Errors, 1)
	assert.Equal("end_not_after_start", result.Errors[0].Code)

	// The store still holds the original timing
	stored, err := store.FindByID(utCtxt, "act-1")
	assert.Nil(err)
	assert.True(stored.Start.Equal(base))
	assert.True(stored.End.Equal(origEnd))
}

func TestWorkerPoolRetriesEngineFailures(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	store, err := timeline.GetInMemoryRepository()
	assert.Nil(err)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	assert.Nil(store.Save(utCtxt, timeline.Activity{
		ID: "act-1", Type: "run", Start: base, OpenEnded: true,
	}))

	// Case 1: engine recovers within the attempt budget
	{
		engine := &flakyRuleEngine{failFirst: 2, verdict: EngineOutcome{OK: true}}
		sink := newCollectResults()
		uut, queue := definePoolForTest(t, utCtxt, engine, store, sink)
		assert.Nil(uut.Start(&wg))

		assert.Nil(queue.Enqueue(utCtxt, Job{
			RequestID:     "req-1",
			ActivityID:    "act-1",
			ProposedStart: base,
			SubmittedAt:   base,
		}))

		result := sink.await(t)
		assert.Equal(ResultStatusOK, result.Status)
		assert.Equal(3, engine.callCount())
		assert.Equal(1, sink.count())
	}

	// Case 2: engine stays down through all attempts
	{
		engine := &flakyRuleEngine{failFirst: 100, verdict: EngineOutcome{OK: true}}
		sink := newCollectResults()
		uut, queue := definePoolForTest(t, utCtxt, engine, store, sink)
		assert.Nil(uut.Start(&wg))

		assert.Nil(queue.Enqueue(utCtxt, Job{
			RequestID:     "req-2",
			ActivityID:    "act-1",
			ProposedStart: base,
			SubmittedAt:   base,
		}))

		result := sink.await(t)
		assert.Equal(ResultStatusError, result.Status)
		assert.Len(result.Errors, 1)
		assert.Equal(ErrorCodeEngineUnavailable, result.Errors[0].Code)
		assert.Equal(3, engine.callCount())
		assert.Equal(1, sink.count())
	}
}

func TestWorkerPoolReportsStoreFailure(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	store, err := timeline.GetInMemoryRepository()
	assert.Nil(err)

	sink := newCollectResults()
	uut, queue := definePoolForTest(t, utCtxt, &flakyRuleEngine{
		verdict: EngineOutcome{OK: true},
	}, store, sink)
	assert.Nil(uut.Start(&wg))

	// The referenced activity does not exist
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	assert.Nil(queue.Enqueue(utCtxt, Job{
		RequestID:     "req-1",
		ActivityID:    "act-missing",
		ProposedStart: base,
		SubmittedAt:   base,
	}))

	result := sink.await(t)
	assert.Equal(ResultStatusError, result.Status)
	assert.Len(result.Errors, 1)
	assert.Equal(ErrorCodeStoreFailed, result.Errors[0].Code)
}
