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

	"github.com/apex/log"
	"github.com/railops/tracksync/common"
)

// EngineOutcome the rule engine's judgement on one proposed change
type EngineOutcome struct {
	OK     bool
	Errors []ResultError
}

// RuleEngine business rule collaborator judging proposed timing changes.
// A returned error means the engine could not be consulted at all and the
// call is retryable; a rejected change is an outcome with OK false.
type RuleEngine interface {
	Validate(ctxt context.Context, job Job) (EngineOutcome, error)
}

// temporalOrderRuleEngineImpl implements RuleEngine with the baseline
// scheduling rule: an activity can not end at or before it starts
type temporalOrderRuleEngineImpl struct {
	common.Component
}

// GetTemporalOrderRuleEngine define the baseline RuleEngine. Deployments
// integrating a full scheduling rule set supply their own RuleEngine instead.
func GetTemporalOrderRuleEngine() (RuleEngine, error) {
	logTags := log.Fields{
		"module": "validation", "component": "temporal-order-engine",
	}
	return &temporalOrderRuleEngineImpl{
		Component: common.Component{LogTags: logTags},
	}, nil
}

// Validate judge one proposed timing change
func (e *temporalOrderRuleEngineImpl) Validate(
	ctxt context.Context, job Job,
) (EngineOutcome, error) {
	if job.ProposedEnd != nil && !job.ProposedEnd.After(job.ProposedStart) {
		log.WithFields(e.LogTags).Debugf("Rejected %s: end not after start", job.String())
		return EngineOutcome{
			OK: false,
			Errors: []ResultError{{
				Code:    "end_not_after_start",
				Message: "proposed end must come after proposed start",
			}},
		}, nil
	}
	return EngineOutcome{OK: true}, nil
}
