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
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/subscription"
	"github.com/railops/tracksync/timeline"
	"github.com/railops/tracksync/validation"
)

// SessionParams collaborators a session needs to serve one connection
type SessionParams struct {
	// Registry the live subscription registry
	Registry subscription.Registry
	// Repository the activity store, read for viewport catch-up
	Repository timeline.Repository
	// Ledger the request ledger claiming update request IDs
	Ledger RequestLedger
	// Queue where accepted update requests are staged for validation
	Queue validation.JobQueue
	// Manager the live session lookup used by the broadcaster
	Manager SessionManager
	// WSConfig websocket transport tuning
	WSConfig common.WebsocketConfig
}

// Session serves one websocket connection: decodes its inbound frames,
// maintains its subscription context, and drains its outbound frame queue.
// Frame writes happen only on the session's own write pump; everything else
// hands frames over through QueueFrame.
type Session struct {
	common.Component
	id        string
	conn      *websocket.Conn
	params    SessionParams
	validate  *validator.Validate
	sendQueue chan []byte
	stop      chan struct{}
	stopOnce  sync.Once
	pongWait  time.Duration
	writeWait time.Duration
}

// GetSession define a Session around an upgraded websocket connection. The
// connection starts out subscribed to the default window until its first
// viewport message arrives.
func GetSession(conn *websocket.Conn, params SessionParams) (*Session, error) {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "gateway", "component": "session", "connection": id,
	}
	session := &Session{
		Component: common.Component{LogTags: logTags},
		id:        id,
		conn:      conn,
		params:    params,
		validate:  validator.New(),
		sendQueue: make(chan []byte, params.WSConfig.SendQueueDepth),
		stop:      make(chan struct{}),
		pongWait:  time.Second * time.Duration(params.WSConfig.PongWait),
		writeWait: time.Second * time.Duration(params.WSConfig.WriteWait),
	}
	if err := params.Registry.Upsert(
		subscription.DefaultContext(id, time.Now().UTC()),
	); err != nil {
		return nil, err
	}
	params.Manager.Register(session)
	return session, nil
}

// ID the connection ID of this session
func (s *Session) ID() string {
	return s.id
}

// QueueFrame stage a frame for transmission. A session whose queue is full
// can not keep up with its event volume and is dropped rather than allowed
// to stall the fan-out path.
func (s *Session) QueueFrame(frame []byte) error {
	select {
	case s.sendQueue <- frame:
		return nil
	case <-s.stop:
		return fmt.Errorf("session %s already closed", s.id)
	default:
		s.signalStop()
		return fmt.Errorf("send queue of session %s overflowed", s.id)
	}
}

// signalStop request session teardown. Safe to call multiple times.
func (s *Session) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve run the session until the connection ends. Blocks; the caller runs
// this on the handler goroutine of the upgrade request.
func (s *Session) Serve(ctxt context.Context) {
	defer func() {
		s.params.Manager.Unregister(s.id)
		s.params.Registry.Remove(s.id)
		_ = s.conn.Close()
		log.WithFields(s.LogTags).Info("Session ended")
	}()
	log.WithFields(s.LogTags).Info("Session started")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	// A parked read only notices teardown through its deadline, so fail the
	// deadline the moment stop is requested, whether by the peer, a queue
	// overflow, or runtime shutdown
	go func() {
		select {
		case <-ctxt.Done():
			s.signalStop()
		case <-s.stop:
		}
		_ = s.conn.SetReadDeadline(time.Now())
	}()
	s.readPump(ctxt)
	s.signalStop()
	wg.Wait()
}

// ----------------------------------------------------------------------------------------
// Transport pumps

// readPump read inbound frames until the peer goes away or misses its
// liveness deadline
func (s *Session) readPump(ctxt context.Context) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	for {
		select {
		case <-s.stop:
			return
		case <-ctxt.Done():
			return
		default:
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Info("Connection read failure")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(s.LogTags).Warnf("Ignoring non-text message type %d", msgType)
			continue
		}
		s.handleFrame(ctxt, data)
	}
}

// writePump drain the send queue onto the wire and keep the connection alive
// with periodic pings
func (s *Session) writePump() {
	// Ping early enough that a healthy peer's pong beats the read deadline
	pingPeriod := s.pongWait * 9 / 10
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	for {
		select {
		case <-s.stop:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case frame := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Connection write failure")
				s.signalStop()
				return
			}
		case <-pinger.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.signalStop()
				return
			}
		}
	}
}

// ----------------------------------------------------------------------------------------
// Inbound frame handling

// handleFrame decode and dispatch one inbound frame. Protocol violations are
// logged and ignored; they never terminate the session.
func (s *Session) handleFrame(ctxt context.Context, data []byte) {
	parsed, err := ParseInboundFrame(data, s.validate)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Warn("Discarding undecodable frame")
		return
	}
	switch payload := parsed.(type) {
	case *ViewportChanged:
		s.handleViewportChanged(ctxt, payload)
	case *ActivityUpdateRequest:
		s.handleUpdateRequest(ctxt, payload)
	case *ActivityAdvisory:
		// Advisory only. Interesting for tracing, no state change.
		log.WithFields(s.LogTags).Debugf(
			"Peer %s activity %s", payload.Kind, payload.ActivityID,
		)
	default:
		log.WithFields(s.LogTags).Warn("Parser returned unexpected payload type")
	}
}

// handleViewportChanged replace this connection's subscription context and
// re-deliver the activities already inside the new window
func (s *Session) handleViewportChanged(ctxt context.Context, payload *ViewportChanged) {
	if payload.To.Before(payload.From) {
		log.WithFields(s.LogTags).Warnf(
			"Discarding viewport ending %s before it starts %s",
			payload.To.Format(time.RFC3339), payload.From.Format(time.RFC3339),
		)
		return
	}
	windowStart := payload.From
	windowEnd := payload.To
	if payload.PaddingHours != nil {
		padding := time.Duration(*payload.PaddingHours * float64(time.Hour))
		windowStart = windowStart.Add(-padding)
		windowEnd = windowEnd.Add(padding)
	}
	newContext := subscription.Context{
		ConnectionID: s.id,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		DetailLevel:  subscription.DetailLevel(payload.LOD),
	}
	if err := s.params.Registry.Upsert(newContext); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to install new viewport")
		return
	}
	if newContext.DetailLevel != subscription.DetailLevelActivity {
		return
	}
	// Catch-up: the peer discarded what scrolled out of view, so everything
	// inside the new window is sent again
	activities, err := s.params.Repository.FindOverlapping(ctxt, windowStart, windowEnd)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Viewport catch-up query failed")
		return
	}
	for _, activity := range activities {
		frame, err := ActivityCreatedFrame(activity)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to build catch-up frame for %s", activity.ID,
			)
			continue
		}
		if err := s.QueueFrame(frame); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Viewport catch-up cut short")
			return
		}
	}
	log.WithFields(s.LogTags).Debugf(
		"Viewport now %s, re-delivered %d activities", newContext.String(), len(activities),
	)
}

// handleUpdateRequest acknowledge an update request and stage it for
// validation. The acknowledgement only confirms receipt; the verdict arrives
// later as a validation result frame.
func (s *Session) handleUpdateRequest(ctxt context.Context, payload *ActivityUpdateRequest) {
	if err := s.params.Ledger.Claim(payload.RequestID, s.id); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Rejecting duplicate request %s", payload.RequestID,
		)
		s.queueResultFrame(validation.Result{
			RequestID:  payload.RequestID,
			ActivityID: payload.ActivityID,
			Status:     validation.ResultStatusError,
			Errors: []validation.ResultError{{
				Code:    validation.ErrorCodeDuplicateRequest,
				Message: fmt.Sprintf("request ID %s was already submitted", payload.RequestID),
			}},
		})
		return
	}
	accepted, err := ActivityUpdateAcceptedFrame(payload.RequestID, payload.ActivityID)
	if err == nil {
		err = s.QueueFrame(accepted)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to acknowledge request %s", payload.RequestID,
		)
	}
	job := validation.Job{
		RequestID:     payload.RequestID,
		ActivityID:    payload.ActivityID,
		ProposedStart: payload.NewStart,
		ProposedEnd:   payload.NewEnd,
		State:         validation.JobStateQueued,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := s.params.Queue.Enqueue(ctxt, job); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to enqueue %s", job.String())
		s.queueResultFrame(validation.Result{
			RequestID:  payload.RequestID,
			ActivityID: payload.ActivityID,
			Status:     validation.ResultStatusError,
			Errors: []validation.ResultError{{
				Code:    validation.ErrorCodeQueueUnavailable,
				Message: "validation queue rejected the request",
			}},
		})
		s.params.Ledger.Complete(payload.RequestID)
		return
	}
	log.WithFields(s.LogTags).Debugf("Staged %s for validation", job.String())
}

// queueResultFrame best effort transmission of a locally produced result
func (s *Session) queueResultFrame(result validation.Result) {
	frame, err := ValidationResultFrame(result)
	if err == nil {
		err = s.QueueFrame(frame)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to deliver result of request %s", result.RequestID,
		)
	}
}
