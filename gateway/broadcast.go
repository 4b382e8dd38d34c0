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

package gateway

import (
	"context"
	"fmt"
	"reflect"

	"github.com/apex/log"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/subscription"
	"github.com/railops/tracksync/timeline"
	"github.com/railops/tracksync/validation"
)

// Broadcaster interest-managed fan-out engine. Activity mutations and
// validation results are submitted here and pushed to the connections whose
// subscriptions they concern, off the submitting task.
type Broadcaster interface {
	SubmitActivityChange(change timeline.ActivityChange, ctxt context.Context) error
	SubmitValidationResult(result validation.Result, ctxt context.Context) error
	SubmitServiceUpdate(
		msgType MessageType, service timeline.Service, ctxt context.Context,
	) error
}

// broadcasterImpl implements Broadcaster on top of a task processor
type broadcasterImpl struct {
	common.Component
	tp       common.TaskProcessor
	registry subscription.Registry
	manager  SessionManager
	ledger   RequestLedger
}

// GetBroadcaster define a Broadcaster running on the given task processor.
// The caller starts the processor's event loop.
func GetBroadcaster(
	tp common.TaskProcessor,
	registry subscription.Registry,
	manager SessionManager,
	ledger RequestLedger,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "broadcaster",
	}
	instance := broadcasterImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		registry:  registry,
		manager:   manager,
		ledger:    ledger,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(broadcastActivityChangeTask{}),
		instance.processActivityChange,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(broadcastValidationResultTask{}),
		instance.processValidationResult,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(broadcastServiceUpdateTask{}),
		instance.processServiceUpdate,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type broadcastActivityChangeTask struct {
	change timeline.ActivityChange
}

// SubmitActivityChange queue one activity mutation for fan-out
func (b *broadcasterImpl) SubmitActivityChange(
	change timeline.ActivityChange, ctxt context.Context,
) error {
	return b.tp.Submit(broadcastActivityChangeTask{change: change}, ctxt)
}

// processActivityChange support task processor, deal with activity change task
func (b *broadcasterImpl) processActivityChange(param interface{}) error {
	task, ok := param.(broadcastActivityChangeTask)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for activity change fan-out",
			reflect.TypeOf(param),
		)
	}
	return b.ProcessActivityChange(task.change)
}

// ProcessActivityChange fan one activity mutation out to every connection
// whose window overlaps it. Connections outside the interval never see it.
func (b *broadcasterImpl) ProcessActivityChange(change timeline.ActivityChange) error {
	frame, err := ActivityChangeFrame(change)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to build frame for change of %s", change.Activity.ID,
		)
		return err
	}
	interval := change.Activity.Interval()
	matched := b.registry.Matching(interval, subscription.DetailLevelActivity)
	delivered := 0
	for _, connectionID := range matched {
		if b.manager.Send(connectionID, frame) {
			delivered++
		}
	}
	log.WithFields(b.LogTags).Debugf(
		"Fanned %s of %s out to %d/%d connections",
		change.Op, interval.String(), delivered, len(matched),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type broadcastValidationResultTask struct {
	result validation.Result
}

// SubmitValidationResult queue one validation result for routing
func (b *broadcasterImpl) SubmitValidationResult(
	result validation.Result, ctxt context.Context,
) error {
	return b.tp.Submit(broadcastValidationResultTask{result: result}, ctxt)
}

// processValidationResult support task processor, deal with validation result task
func (b *broadcasterImpl) processValidationResult(param interface{}) error {
	task, ok := param.(broadcastValidationResultTask)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for validation result routing",
			reflect.TypeOf(param),
		)
	}
	return b.ProcessValidationResult(task.result)
}

// ProcessValidationResult route one validation result back at the
// connection its request came from. The result is dropped if that
// connection is gone.
func (b *broadcasterImpl) ProcessValidationResult(result validation.Result) error {
	defer b.ledger.Complete(result.RequestID)
	connectionID, ok := b.ledger.Resolve(result.RequestID)
	if !ok {
		log.WithFields(b.LogTags).Warnf(
			"No originating connection on record for request %s", result.RequestID,
		)
		return nil
	}
	frame, err := ValidationResultFrame(result)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to build result frame for request %s", result.RequestID,
		)
		return err
	}
	if !b.manager.Send(connectionID, frame) {
		log.WithFields(b.LogTags).Infof(
			"Dropped result of request %s, connection %s is gone",
			result.RequestID, connectionID,
		)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type broadcastServiceUpdateTask struct {
	msgType MessageType
	service timeline.Service
}

// SubmitServiceUpdate queue one service-level update for fan-out
func (b *broadcasterImpl) SubmitServiceUpdate(
	msgType MessageType, service timeline.Service, ctxt context.Context,
) error {
	return b.tp.Submit(broadcastServiceUpdateTask{msgType: msgType, service: service}, ctxt)
}

// processServiceUpdate support task processor, deal with service update task
func (b *broadcasterImpl) processServiceUpdate(param interface{}) error {
	task, ok := param.(broadcastServiceUpdateTask)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for service update fan-out",
			reflect.TypeOf(param),
		)
	}
	return b.ProcessServiceUpdate(task.msgType, task.service)
}

// ProcessServiceUpdate fan one service-level update out to service LOD
// subscribers whose window overlaps the service
func (b *broadcasterImpl) ProcessServiceUpdate(
	msgType MessageType, service timeline.Service,
) error {
	frame, err := ServiceUpdatedFrame(msgType, service)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to build %s frame for %s", msgType, service.ID,
		)
		return err
	}
	interval := timeline.ActivityInterval{
		ID:        service.ID,
		Type:      service.Type,
		Start:     service.Start,
		End:       service.End,
		OpenEnded: service.End == nil,
	}
	for _, connectionID := range b.registry.Matching(
		interval, subscription.DetailLevelService,
	) {
		b.manager.Send(connectionID, frame)
	}
	return nil
}
