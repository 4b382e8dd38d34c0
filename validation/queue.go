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

import "context"

// ClaimedJob one job handed to exactly one worker, with the receipt needed
// to settle it
type ClaimedJob struct {
	Job Job
	// Receipt identifies this delivery for Ack / Nack
	Receipt string
	// Redelivery true when the job was claimed before and returned
	Redelivery bool
}

// JobQueue FIFO work queue decoupling request acceptance from validation.
//
// Delivery contract: at-least-once, with at most one live claim per job at
// any moment. Enqueue never waits on job processing. Claim blocks the
// calling worker until a job is available or the context ends. A claimed
// job must be settled with Ack (done) or Nack (redeliver).
type JobQueue interface {
	Enqueue(ctxt context.Context, job Job) error
	Claim(ctxt context.Context) (ClaimedJob, error)
	Ack(ctxt context.Context, receipt string) error
	Nack(ctxt context.Context, receipt string) error
}
