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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/subscription"
	"github.com/railops/tracksync/timeline"
	"github.com/railops/tracksync/validation"
	"github.com/stretchr/testify/assert"
)

// defineSessionForTest build a session around test collaborators without a
// live websocket; the pumps stay parked, frame handling is driven directly
func defineSessionForTest(t *testing.T, queueDepth int) (
	*Session, subscription.Registry, timeline.Repository, validation.JobQueue,
) {
	assert := assert.New(t)
	registry, err := subscription.GetShardedRegistry()
	assert.Nil(err)
	repository, err := timeline.GetInMemoryRepository()
	assert.Nil(err)
	ledger, err := GetRequestLedger()
	assert.Nil(err)
	manager, err := GetSessionManager()
	assert.Nil(err)
	jobQueue, err := validation.GetMemoryJobQueue(16)
	assert.Nil(err)

	uut := &Session{
		Component: common.Component{LogTags: log.Fields{
			"module": "gateway", "component": "session", "connection": "conn-ut",
		}},
		id: "conn-ut",
		params: SessionParams{
			Registry:   registry,
			Repository: repository,
			Ledger:     ledger,
			Queue:      jobQueue,
			Manager:    manager,
			WSConfig: common.WebsocketConfig{
				SendQueueDepth: queueDepth, PongWait: 60, WriteWait: 10,
			},
		},
		validate:  validator.New(),
		sendQueue: make(chan []byte, queueDepth),
		stop:      make(chan struct{}),
	}
	assert.Nil(registry.Upsert(subscription.DefaultContext(uut.id, time.Now().UTC())))
	manager.Register(uut)
	return uut, registry, repository, jobQueue
}

// drainQueuedFrames pull every staged outbound frame off the session
func drainQueuedFrames(t *testing.T, uut *Session) []Frame {
	frames := []Frame{}
	for {
		select {
		case data := <-uut.sendQueue:
			var frame Frame
			assert.Nil(t, json.Unmarshal(data, &frame))
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func TestSessionViewportHandling(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, registry, repository, _ := defineSessionForTest(t, 16)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(hour int) time.Time {
		return base.Add(time.Hour * time.Duration(hour))
	}
	frameOf := func(from, to time.Time, lod string, padding *float64) []byte {
		payload, err := json.Marshal(&ViewportChanged{
			From: from, To: to, LOD: lod, PaddingHours: padding,
		})
		assert.Nil(err)
		data, err := json.Marshal(&Frame{Type: MsgViewportChanged, Payload: payload})
		assert.Nil(err)
		return data
	}

	end1 := at(3)
	assert.Nil(repository.Save(utCtxt, timeline.Activity{
		ID: "act-1", Type: "run", Start: at(1), End: &end1,
	}))
	assert.Nil(repository.Save(utCtxt, timeline.Activity{
		ID: "act-2", Type: "run", Start: at(30), OpenEnded: true,
	}))

	// Case 1: viewport install replaces the default context
	{
		uut.handleFrame(utCtxt, frameOf(at(0), at(10), "activity", nil))
		entry, ok := registry.Get("conn-ut")
		assert.True(ok)
		assert.True(entry.WindowStart.Equal(at(0)))
		assert.True(entry.WindowEnd.Equal(at(10)))
		assert.Equal(subscription.DetailLevelActivity, entry.DetailLevel)
		// Only the activity inside the window is re-delivered
		frames := drainQueuedFrames(t, uut)
		assert.Len(frames, 1)
		assert.Equal(MsgActivityCreated, frames[0].Type)
		var redelivered timeline.Activity
		assert.Nil(json.Unmarshal(frames[0].Payload, &redelivered))
		assert.Equal("act-1", redelivered.ID)
	}

	// Case 2: padding widens the subscribed window on both sides
	{
		padding := 24.0
		uut.handleFrame(utCtxt, frameOf(at(6), at(10), "activity", &padding))
		entry, ok := registry.Get("conn-ut")
		assert.True(ok)
		assert.True(entry.WindowStart.Equal(at(6 - 24)))
		assert.True(entry.WindowEnd.Equal(at(10 + 24)))
		// The padded window now reaches the open-ended activity too
		frames := drainQueuedFrames(t, uut)
		assert.Len(frames, 2)
	}

	// Case 3: a window ending before it starts is ignored
	{
		uut.handleFrame(utCtxt, frameOf(at(10), at(5), "activity", nil))
		entry, ok := registry.Get("conn-ut")
		assert.True(ok)
		assert.True(entry.WindowStart.Equal(at(6 - 24)))
		assert.Empty(drainQueuedFrames(t, uut))
	}

	// Case 4: service detail installs without activity catch-up
	{
		uut.handleFrame(utCtxt, frameOf(at(0), at(48), "service", nil))
		entry, ok := registry.Get("conn-ut")
		assert.True(ok)
		assert.Equal(subscription.DetailLevelService, entry.DetailLevel)
		assert.Empty(drainQueuedFrames(t, uut))
	}

	// Case 5: undecodable frames change nothing
	{
		uut.handleFrame(utCtxt, []byte(`{"type": "VIEWPORT_CHANGED", "payload": {"lod": 7}}`))
		entry, ok := registry.Get("conn-ut")
		assert.True(ok)
		assert.Equal(subscription.DetailLevelService, entry.DetailLevel)
	}
}

func TestSessionUpdateRequestHandling(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, _, _, jobQueue := defineSessionForTest(t, 16)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	frameOf := func(requestID string) []byte {
		payload, err := json.Marshal(&ActivityUpdateRequest{
			RequestID: requestID, ActivityID: "act-1", NewStart: base,
		})
		assert.Nil(err)
		data, err := json.Marshal(&Frame{Type: MsgActivityUpdateRequest, Payload: payload})
		assert.Nil(err)
		return data
	}

	// Case 1: fresh request is acknowledged and staged
	{
		uut.handleFrame(utCtxt, frameOf("req-1"))
		frames := drainQueuedFrames(t, uut)
		assert.Len(frames, 1)
		assert.Equal(MsgActivityUpdateAccepted, frames[0].Type)

		claimed, err := jobQueue.Claim(utCtxt)
		assert.Nil(err)
		assert.Equal("req-1", claimed.Job.RequestID)
		assert.Equal("act-1", claimed.Job.ActivityID)
		assert.True(claimed.Job.ProposedStart.Equal(base))
		assert.Nil(claimed.Job.ProposedEnd)
		assert.Nil(jobQueue.Ack(utCtxt, claimed.Receipt))
	}

	// Case 2: duplicate request ID draws an immediate error, no acceptance
	{
		uut.handleFrame(utCtxt, frameOf("req-1"))
		frames := drainQueuedFrames(t, uut)
		assert.Len(frames, 1)
		assert.Equal(MsgActivityUpdateValidationResult, frames[0].Type)
		var result validation.Result
		assert.Nil(json.Unmarshal(frames[0].Payload, &result))
		assert.Equal(validation.ResultStatusError, result.Status)
		assert.Len(result.Errors, 1)
		assert.Equal(validation.ErrorCodeDuplicateRequest, result.Errors[0].Code)

		// Nothing new was staged
		waitCtxt, waitCancel := context.WithTimeout(utCtxt, time.Millisecond*50)
		defer waitCancel()
		_, err := jobQueue.Claim(waitCtxt)
		assert.NotNil(err)
	}
}

func TestSessionQueueOverflowDropsConnection(t *testing.T) {
	assert := assert.New(t)

	uut, _, _, _ := defineSessionForTest(t, 2)

	// Case 1: frames queue up to the configured depth
	{
		assert.Nil(uut.QueueFrame([]byte(`{"type":"ACTIVITY_UPDATED"}`)))
		assert.Nil(uut.QueueFrame([]byte(`{"type":"ACTIVITY_UPDATED"}`)))
	}

	// Case 2: overflow fails the queue call and tears the session down
	{
		assert.NotNil(uut.QueueFrame([]byte(`{"type":"ACTIVITY_UPDATED"}`)))
		select {
		case <-uut.stop:
		default:
			assert.Fail("overflow did not request session teardown")
		}
	}

	// Case 3: once stopping, further frames are refused
	{
		err := uut.QueueFrame([]byte(`{"type":"ACTIVITY_UPDATED"}`))
		assert.NotNil(err)
		assert.Contains(fmt.Sprintf("%s", err), "closed")
	}
}

func TestSessionServeStopsOnRuntimeShutdown(t *testing.T) {
	assert := assert.New(t)

	registry, err := subscription.GetShardedRegistry()
	assert.Nil(err)
	repository, err := timeline.GetInMemoryRepository()
	assert.Nil(err)
	ledger, err := GetRequestLedger()
	assert.Nil(err)
	manager, err := GetSessionManager()
	assert.Nil(err)
	jobQueue, err := validation.GetMemoryJobQueue(16)
	assert.Nil(err)
	params := SessionParams{
		Registry:   registry,
		Repository: repository,
		Ledger:     ledger,
		Queue:      jobQueue,
		Manager:    manager,
		WSConfig: common.WebsocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendQueueDepth:  16,
			PongWait:        60,
			WriteWait:       10,
		},
	}

	serveCtxt, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()

	served := make(chan struct{})
	sessionID := make(chan string, 1)
	upgrader := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		assert.Nil(err)
		session, err := GetSession(conn, params)
		assert.Nil(err)
		sessionID <- session.ID()
		session.Serve(serveCtxt)
		close(served)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer func() { _ = client.Close() }()

	// An idle but healthy peer: the read loop answers pings through the
	// default ping handler, and otherwise sends nothing
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Case 1: the session stays up while the runtime context is live
	{
		select {
		case <-served:
			assert.Fail("session ended without a shutdown request")
		case <-time.After(time.Millisecond * 100):
		}
	}

	// Case 2: runtime shutdown ends the session even with the peer idle
	{
		serveCancel()
		select {
		case <-served:
		case <-time.After(time.Second * 5):
			assert.Fail("session still serving after runtime shutdown")
		}
		// Teardown released the subscription as well
		_, ok := registry.Get(<-sessionID)
		assert.False(ok)
	}
}
