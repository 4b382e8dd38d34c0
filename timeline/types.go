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
	"fmt"
	"time"
)

// ResourceAssignment links an activity to a resource filling a role on it
type ResourceAssignment struct {
	ResourceID   string `json:"resourceId" validate:"required"`
	ResourceType string `json:"resourceType" validate:"required"`
	Role         string `json:"role,omitempty"`
	LineIndex    *int   `json:"lineIndex,omitempty"`
}

// Activity one scheduled activity on the timeline
type Activity struct {
	ID    string    `json:"id" validate:"required"`
	Type  string    `json:"type" validate:"required"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	// End is absent for activities still open at scheduling time
	End        *time.Time        `json:"end"`
	OpenEnded  bool              `json:"openEnded"`
	Status     string            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// ResourceAssignments are the resources working this activity
	ResourceAssignments []ResourceAssignment `json:"resourceAssignments,omitempty"`
}

// Interval the temporal interval covered by this activity
func (a Activity) Interval() ActivityInterval {
	return ActivityInterval{
		ID: a.ID, Type: a.Type, Start: a.Start, End: a.End, OpenEnded: a.OpenEnded,
	}
}

// Service an aggregated service-level view over a group of activities
type Service struct {
	ID    string    `json:"id" validate:"required"`
	Type  string    `json:"type"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

// ActivityInterval the temporal extent of one activity
type ActivityInterval struct {
	ID    string
	Type  string
	Start time.Time
	// End is nil when the activity has no recorded end
	End       *time.Time
	OpenEnded bool
}

// String human readable form of the interval
func (i ActivityInterval) String() string {
	if i.OpenEnded || i.End == nil {
		return fmt.Sprintf("%s[%s,)", i.ID, i.Start.Format(time.RFC3339))
	}
	return fmt.Sprintf(
		"%s[%s,%s)", i.ID, i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339),
	)
}
