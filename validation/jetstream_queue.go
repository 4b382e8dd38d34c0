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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/core"
)

// jetStreamJobQueueImpl implements JobQueue against a NATS JetStream work
// queue stream. JetStream's pull consumer with explicit acks gives the
// at-least-once, single-concurrent-claim delivery the pipeline needs, and
// keeps queued jobs across process restarts.
type jetStreamJobQueueImpl struct {
	common.Component
	nats     *core.NatsClient
	stream   string
	subject  string
	consumer string
	sub      *nats.Subscription
	lock     sync.Mutex
	inflight map[string]*nats.Msg
}

// GetJetStreamJobQueue define a JobQueue backed by a JetStream work queue
// stream. The stream and durable pull consumer are created when missing.
func GetJetStreamJobQueue(
	natsClient *core.NatsClient, stream, subject, consumer string,
) (JobQueue, error) {
	logTags := log.Fields{
		"module":    "validation",
		"component": "jetstream-job-queue",
		"stream":    stream,
		"subject":   subject,
		"consumer":  consumer,
	}

	js := natsClient.JetStream()
	if _, err := js.StreamInfo(stream); err != nil {
		streamParams := nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
		}
		if _, err := js.AddStream(&streamParams); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define stream %s", stream)
			return nil, err
		}
		log.WithFields(logTags).Infof("Defined job stream %s", stream)
	}

	sub, err := js.PullSubscribe(subject, consumer, nats.AckExplicit())
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define pull consumer %s", consumer,
		)
		return nil, err
	}

	return &jetStreamJobQueueImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		stream:    stream,
		subject:   subject,
		consumer:  consumer,
		sub:       sub,
		inflight:  make(map[string]*nats.Msg),
	}, nil
}

// Enqueue publish one job onto the work queue stream
func (q *jetStreamJobQueueImpl) Enqueue(ctxt context.Context, job Job) error {
	job.State = JobStateQueued
	serialized, err := json.Marshal(&job)
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Unable to serialize %s", job.String())
		return err
	}
	if _, err := q.nats.JetStream().Publish(
		q.subject, serialized, nats.Context(ctxt),
	); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Unable to publish %s", job.String())
		return err
	}
	log.WithFields(q.LogTags).Debugf("Enqueued %s", job.String())
	return nil
}

// Claim block until a job is delivered through the pull consumer
func (q *jetStreamJobQueueImpl) Claim(ctxt context.Context) (ClaimedJob, error) {
	for {
		msgs, err := q.sub.Fetch(1, nats.Context(ctxt))
		if err != nil {
			if ctxt.Err() != nil {
				return ClaimedJob{}, ctxt.Err()
			}
			// Fetch windows time out when the stream sits idle
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.WithError(err).WithFields(q.LogTags).Error(
				"Discarding undecodable job message",
			)
			_ = msg.Term()
			continue
		}
		receipt := uuid.New().String()
		redelivery := false
		if meta, err := msg.Metadata(); err == nil {
			redelivery = meta.NumDelivered > 1
		}
		q.lock.Lock()
		q.inflight[receipt] = msg
		q.lock.Unlock()
		log.WithFields(q.LogTags).Debugf("Claimed %s", job.String())
		return ClaimedJob{Job: job, Receipt: receipt, Redelivery: redelivery}, nil
	}
}

// takeInflight fetch and clear the inflight message for a receipt
func (q *jetStreamJobQueueImpl) takeInflight(receipt string) (*nats.Msg, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	msg, ok := q.inflight[receipt]
	if !ok {
		return nil, fmt.Errorf("no inflight delivery for receipt %s", receipt)
	}
	delete(q.inflight, receipt)
	return msg, nil
}

// Ack settle a claimed job as done
func (q *jetStreamJobQueueImpl) Ack(ctxt context.Context, receipt string) error {
	msg, err := q.takeInflight(receipt)
	if err != nil {
		return err
	}
	if err := msg.AckSync(nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("ACK failed for receipt %s", receipt)
		return err
	}
	return nil
}

// Nack return a claimed job for redelivery
func (q *jetStreamJobQueueImpl) Nack(ctxt context.Context, receipt string) error {
	msg, err := q.takeInflight(receipt)
	if err != nil {
		return err
	}
	if err := msg.Nak(nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("NAK failed for receipt %s", receipt)
		return err
	}
	return nil
}
