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
	"fmt"
	"time"
)

// JobState lifecycle state of a validation job
type JobState string

// Job lifecycle states. A job reaching succeeded or failed is terminal and
// never mutated again.
const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
)

// Job one proposed activity timing change awaiting rule engine judgement
type Job struct {
	// RequestID client supplied correlation ID, unique per request
	RequestID string `json:"request_id" validate:"required"`
	// ActivityID the activity whose timing the client proposes to change
	ActivityID string `json:"activity_id" validate:"required"`
	// ProposedStart the new start time
	ProposedStart time.Time `json:"proposed_start"`
	// ProposedEnd the new end time; nil proposes an open-ended activity
	ProposedEnd *time.Time `json:"proposed_end"`
	// State current lifecycle state
	State JobState `json:"state"`
	// SubmittedAt when the gateway accepted the request
	SubmittedAt time.Time `json:"submitted_at"`
}

// String human readable form of the job
func (j Job) String() string {
	return fmt.Sprintf("validation-job[%s/%s]", j.RequestID, j.ActivityID)
}

// ========================================================================================

// ResultStatus terminal outcome of a validation job
type ResultStatus string

// Validation result statuses
const (
	ResultStatusOK    ResultStatus = "OK"
	ResultStatusError ResultStatus = "ERROR"
)

// Distinguished result error codes
const (
	// ErrorCodeEngineUnavailable the rule engine stayed unreachable through
	// all retry attempts
	ErrorCodeEngineUnavailable = "engine_unavailable"
	// ErrorCodeDuplicateRequest a job with this request ID is already active
	ErrorCodeDuplicateRequest = "duplicate_request"
	// ErrorCodeStoreFailed the validated change could not be persisted
	ErrorCodeStoreFailed = "store_failed"
	// ErrorCodeQueueUnavailable the job could not be placed on the queue
	ErrorCodeQueueUnavailable = "queue_unavailable"
)

// ResultError one reason the rule engine rejected a proposed change
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result the terminal, client-visible outcome of one validation job
type Result struct {
	RequestID  string        `json:"requestId"`
	ActivityID string        `json:"activityId"`
	Status     ResultStatus  `json:"status"`
	Errors     []ResultError `json:"errors,omitempty"`
}

// ResultHandlerCB callback receiving the one terminal result of a job
type ResultHandlerCB func(result Result)
