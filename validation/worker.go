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
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/timeline"
)

// WorkerPool pool of validation workers consuming the job queue
type WorkerPool interface {
	Start(wg *sync.WaitGroup) error
}

// WorkerPoolParams parameters for defining a validation worker pool
type WorkerPoolParams struct {
	// Queue the job queue workers claim from
	Queue JobQueue `validate:"required"`
	// Engine the rule engine judging each job
	Engine RuleEngine `validate:"required"`
	// Store where a validated change is persisted
	Store timeline.Repository `validate:"required"`
	// ResultCB receives the one terminal result of every job
	ResultCB ResultHandlerCB `validate:"required"`
	// Workers number of parallel worker tasks
	Workers int `validate:"gte=1"`
	// MaxAttempts max rule engine calls per job, first try included
	MaxAttempts int `validate:"gte=2"`
	// InitialBackoff wait after the first failed attempt
	InitialBackoff time.Duration
	// MaxBackoff cap on the exponential backoff
	MaxBackoff time.Duration
}

// workerPoolImpl implements WorkerPool
type workerPoolImpl struct {
	common.Component
	operationContext context.Context
	params           WorkerPoolParams
	lock             sync.Mutex
	started          bool
}

// GetValidationWorkerPool define a validation worker pool
func GetValidationWorkerPool(
	ctxt context.Context, params WorkerPoolParams,
) (WorkerPool, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "validation", "component": "worker-pool",
	}
	return &workerPoolImpl{
		Component:        common.Component{LogTags: logTags},
		operationContext: ctxt,
		params:           params,
	}, nil
}

// Start launch the worker tasks
func (p *workerPoolImpl) Start(wg *sync.WaitGroup) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.started {
		return fmt.Errorf("already started")
	}
	for itr := 0; itr < p.params.Workers; itr++ {
		wg.Add(1)
		workerTags := log.Fields{
			"module": "validation", "component": fmt.Sprintf("worker/%d", itr),
		}
		go func() {
			defer wg.Done()
			defer log.WithFields(workerTags).Info("Validation worker exiting")
			p.workerLoop(workerTags)
		}()
	}
	p.started = true
	log.WithFields(p.LogTags).Infof("Started %d validation workers", p.params.Workers)
	return nil
}

// workerLoop claim jobs until shutdown
func (p *workerPoolImpl) workerLoop(workerTags log.Fields) {
	for {
		claimed, err := p.params.Queue.Claim(p.operationContext)
		if err != nil {
			if p.operationContext.Err() != nil {
				return
			}
			log.WithError(err).WithFields(workerTags).Error("Job claim failed")
			continue
		}
		p.processJob(claimed, workerTags)
	}
}

// processJob run one claimed job to its terminal result. A claimed job is
// never cancelled mid-flight; shutdown only stops further claims.
func (p *workerPoolImpl) processJob(claimed ClaimedJob, workerTags log.Fields) {
	job := claimed.Job
	job.State = JobStateProcessing
	log.WithFields(workerTags).Debugf("Processing %s", job.String())

	outcome, engineReachable := p.consultEngine(job, workerTags)

	var result Result
	if !engineReachable {
		job.State = JobStateFailed
		result = Result{
			RequestID:  job.RequestID,
			ActivityID: job.ActivityID,
			Status:     ResultStatusError,
			Errors: []ResultError{{
				Code:    ErrorCodeEngineUnavailable,
				Message: "rule engine unreachable after retries",
			}},
		}
	} else if !outcome.OK {
		job.State = JobStateFailed
		result = Result{
			RequestID:  job.RequestID,
			ActivityID: job.ActivityID,
			Status:     ResultStatusError,
			Errors:     outcome.Errors,
		}
	} else if err := p.applyChange(job); err != nil {
		log.WithError(err).WithFields(workerTags).Errorf(
			"Unable to persist validated change of %s", job.String(),
		)
		job.State = JobStateFailed
		result = Result{
			RequestID:  job.RequestID,
			ActivityID: job.ActivityID,
			Status:     ResultStatusError,
			Errors: []ResultError{{
				Code: ErrorCodeStoreFailed, Message: err.Error(),
			}},
		}
	} else {
		job.State = JobStateSucceeded
		result = Result{
			RequestID:  job.RequestID,
			ActivityID: job.ActivityID,
			Status:     ResultStatusOK,
		}
	}

	// Exactly one terminal result per job, then settle the claim
	p.params.ResultCB(result)
	ackCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := p.params.Queue.Ack(ackCtxt, claimed.Receipt); err != nil {
		log.WithError(err).WithFields(workerTags).Errorf("Unable to settle %s", job.String())
	}
	log.WithFields(workerTags).Infof("Completed %s as %s", job.String(), job.State)
}

// consultEngine call the rule engine with bounded exponential backoff.
// Returns false when the engine stayed unreachable through all attempts.
func (p *workerPoolImpl) consultEngine(job Job, workerTags log.Fields) (EngineOutcome, bool) {
	backoff := p.params.InitialBackoff
	for attempt := 1; ; attempt++ {
		// The engine call deliberately runs on a background context: a job
		// in flight runs to completion even during shutdown
		outcome, err := p.params.Engine.Validate(context.Background(), job)
		if err == nil {
			return outcome, true
		}
		log.WithError(err).WithFields(workerTags).Warnf(
			"Rule engine unreachable for %s, attempt %d/%d",
			job.String(), attempt, p.params.MaxAttempts,
		)
		if attempt >= p.params.MaxAttempts {
			return EngineOutcome{}, false
		}
		time.Sleep(backoff)
		backoff *= 2
		if p.params.MaxBackoff > 0 && backoff > p.params.MaxBackoff {
			backoff = p.params.MaxBackoff
		}
	}
}

// applyChange persist the validated timing change through the repository
func (p *workerPoolImpl) applyChange(job Job) error {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	activity, err := p.params.Store.FindByID(ctxt, job.ActivityID)
	if err != nil {
		return err
	}
	activity.Start = job.ProposedStart
	activity.End = job.ProposedEnd
	activity.OpenEnded = job.ProposedEnd == nil
	return p.params.Store.Save(ctxt, activity)
}
