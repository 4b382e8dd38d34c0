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
	"sync"

	"github.com/apex/log"
	"github.com/railops/tracksync/common"
)

// FrameSink where outbound frames for one connection are queued
type FrameSink interface {
	ID() string
	// QueueFrame stage a frame for transmission. Never blocks on the peer.
	QueueFrame(frame []byte) error
}

// SessionManager lookup of live connection frame sinks, used by the
// broadcaster to route frames at specific connections
type SessionManager interface {
	Register(sink FrameSink)
	Unregister(connectionID string)
	// Send queue a frame at one connection. A frame at an unknown
	// connection is dropped; delivery after disconnect is not an error.
	Send(connectionID string, frame []byte) bool
}

// sessionManagerImpl implements SessionManager
type sessionManagerImpl struct {
	common.Component
	lock     sync.RWMutex
	sessions map[string]FrameSink
}

// GetSessionManager define a SessionManager
func GetSessionManager() (SessionManager, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "session-manager",
	}
	return &sessionManagerImpl{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[string]FrameSink),
	}, nil
}

// Register add a live connection
func (m *sessionManagerImpl) Register(sink FrameSink) {
	m.lock.Lock()
	m.sessions[sink.ID()] = sink
	m.lock.Unlock()
	log.WithFields(m.LogTags).Debugf("Registered session %s", sink.ID())
}

// Unregister drop a connection. Unknown IDs are a no-op.
func (m *sessionManagerImpl) Unregister(connectionID string) {
	m.lock.Lock()
	delete(m.sessions, connectionID)
	m.lock.Unlock()
	log.WithFields(m.LogTags).Debugf("Unregistered session %s", connectionID)
}

// Send queue a frame at one connection
func (m *sessionManagerImpl) Send(connectionID string, frame []byte) bool {
	m.lock.RLock()
	sink, ok := m.sessions[connectionID]
	m.lock.RUnlock()
	if !ok {
		// Connection already gone; the frame is simply dropped
		return false
	}
	if err := sink.QueueFrame(frame); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to queue frame at %s", connectionID,
		)
		return false
	}
	return true
}
