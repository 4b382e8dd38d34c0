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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/railops/tracksync/timeline"
	"github.com/railops/tracksync/validation"
)

// MessageType discriminator of a protocol frame
type MessageType string

// Inbound frame types
const (
	MsgViewportChanged       MessageType = "VIEWPORT_CHANGED"
	MsgActivityUpdateRequest MessageType = "ACTIVITY_UPDATE_REQUEST"
	MsgActivityHovered       MessageType = "ACTIVITY_HOVERED"
	MsgActivityHoverLeft     MessageType = "ACTIVITY_HOVER_LEFT"
	MsgActivitySelected      MessageType = "ACTIVITY_SELECTED"
)

// Outbound frame types
const (
	MsgActivityUpdateAccepted         MessageType = "ACTIVITY_UPDATE_ACCEPTED"
	MsgActivityUpdateValidationResult MessageType = "ACTIVITY_UPDATE_VALIDATION_RESULT"
	MsgActivityCreated                MessageType = "ACTIVITY_CREATED"
	MsgActivityUpdated                MessageType = "ACTIVITY_UPDATED"
	MsgActivityDeleted                MessageType = "ACTIVITY_DELETED"
	MsgServiceUpdated                 MessageType = "SERVICE_UPDATED"
	MsgAbsenceUpdated                 MessageType = "ABSENCE_UPDATED"
)

// Frame one protocol frame as it crosses the wire
type Frame struct {
	Type    MessageType     `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// ========================================================================================
// Inbound payloads

// ViewportChanged a viewer moved or resized its visible time window
type ViewportChanged struct {
	// From start of the new window
	From time.Time `json:"from" validate:"required"`
	// To exclusive end of the new window
	To time.Time `json:"to" validate:"required"`
	// LOD level of detail of the view
	LOD string `json:"lod" validate:"required,oneof=activity service"`
	// PaddingHours optionally widens the subscribed window on both sides
	PaddingHours *float64 `json:"paddingHours,omitempty" validate:"omitempty,gte=0"`
}

// ActivityUpdateRequest a viewer proposes new timing for an activity
type ActivityUpdateRequest struct {
	RequestID  string     `json:"requestId" validate:"required"`
	ActivityID string     `json:"activityId" validate:"required"`
	NewStart   time.Time  `json:"newStart" validate:"required"`
	NewEnd     *time.Time `json:"newEnd"`
}

// ActivityAdvisory hover / selection notice. Advisory only, no state change.
type ActivityAdvisory struct {
	Kind       MessageType
	ActivityID string `json:"activityId" validate:"required"`
}

// ParseInboundFrame decode and validate one inbound frame. The returned
// value is one of *ViewportChanged, *ActivityUpdateRequest, or
// *ActivityAdvisory.
func ParseInboundFrame(data []byte, validate *validator.Validate) (interface{}, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %s", err)
	}
	switch frame.Type {
	case MsgViewportChanged:
		var payload ViewportChanged
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %s", frame.Type, err)
		}
		if err := validate.Struct(&payload); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %s", frame.Type, err)
		}
		return &payload, nil
	case MsgActivityUpdateRequest:
		var payload ActivityUpdateRequest
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %s", frame.Type, err)
		}
		if err := validate.Struct(&payload); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %s", frame.Type, err)
		}
		return &payload, nil
	case MsgActivityHovered, MsgActivityHoverLeft, MsgActivitySelected:
		var payload ActivityAdvisory
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %s", frame.Type, err)
		}
		if err := validate.Struct(&payload); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %s", frame.Type, err)
		}
		payload.Kind = frame.Type
		return &payload, nil
	default:
		return nil, fmt.Errorf("unknown frame type '%s'", frame.Type)
	}
}

// ========================================================================================
// Outbound payloads

// ActivityUpdateAccepted acknowledges receipt of an update request. This is
// an acknowledgement of receipt, not of validity.
type ActivityUpdateAccepted struct {
	RequestID  string `json:"requestId"`
	ActivityID string `json:"activityId"`
}

// ActivityDeleted announces removal of an activity
type ActivityDeleted struct {
	ID string `json:"id"`
}

// newOutboundFrame serialize one outbound frame
func newOutboundFrame(msgType MessageType, payload interface{}) ([]byte, error) {
	serializedPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{Type: msgType, Payload: serializedPayload})
}

// ActivityUpdateAcceptedFrame build an ACTIVITY_UPDATE_ACCEPTED frame
func ActivityUpdateAcceptedFrame(requestID, activityID string) ([]byte, error) {
	return newOutboundFrame(MsgActivityUpdateAccepted, &ActivityUpdateAccepted{
		RequestID: requestID, ActivityID: activityID,
	})
}

// ValidationResultFrame build an ACTIVITY_UPDATE_VALIDATION_RESULT frame
func ValidationResultFrame(result validation.Result) ([]byte, error) {
	return newOutboundFrame(MsgActivityUpdateValidationResult, &result)
}

// ActivityChangeFrame build the broadcast frame for one activity mutation
func ActivityChangeFrame(change timeline.ActivityChange) ([]byte, error) {
	switch change.Op {
	case timeline.ChangeOpCreated:
		return newOutboundFrame(MsgActivityCreated, &change.Activity)
	case timeline.ChangeOpUpdated:
		return newOutboundFrame(MsgActivityUpdated, &change.Activity)
	case timeline.ChangeOpDeleted:
		return newOutboundFrame(MsgActivityDeleted, &ActivityDeleted{ID: change.Activity.ID})
	default:
		return nil, fmt.Errorf("unknown activity change op '%s'", change.Op)
	}
}

// ActivityCreatedFrame build an ACTIVITY_CREATED frame, used for catch-up
// re-delivery after a viewport change
func ActivityCreatedFrame(activity timeline.Activity) ([]byte, error) {
	return newOutboundFrame(MsgActivityCreated, &activity)
}

// ServiceUpdatedFrame build a SERVICE_UPDATED or ABSENCE_UPDATED frame
func ServiceUpdatedFrame(msgType MessageType, service timeline.Service) ([]byte, error) {
	if msgType != MsgServiceUpdated && msgType != MsgAbsenceUpdated {
		return nil, fmt.Errorf("'%s' is not a service level frame type", msgType)
	}
	return newOutboundFrame(msgType, &service)
}
