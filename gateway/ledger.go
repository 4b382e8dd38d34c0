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
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/railops/tracksync/common"
)

// RequestLedger tracks every update request seen by this gateway. It
// guarantees at most one active job per request ID, and remembers which
// connection a request came from so its validation result can be routed
// back.
type RequestLedger interface {
	// Claim register a request ID for a connection. Fails if the ID was
	// ever claimed before.
	Claim(requestID, connectionID string) error
	// Resolve fetch the connection a request originated from
	Resolve(requestID string) (string, bool)
	// Complete mark a request as terminally settled
	Complete(requestID string)
}

// Terminal entries are kept around to reject late duplicates, but not
// forever. A duplicate arriving after the retention window is treated as a
// fresh request.
const (
	terminalEntryRetention = time.Hour
	purgeInterval          = time.Minute
)

// ledgerEntry one tracked request
type ledgerEntry struct {
	connectionID string
	claimedAt    time.Time
	terminal     bool
	terminalAt   time.Time
}

// requestLedgerImpl implements RequestLedger
type requestLedgerImpl struct {
	common.Component
	lock      sync.Mutex
	entries   map[string]*ledgerEntry
	retention time.Duration
	lastPurge time.Time
}

// GetRequestLedger define a RequestLedger
func GetRequestLedger() (RequestLedger, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "request-ledger",
	}
	return &requestLedgerImpl{
		Component: common.Component{LogTags: logTags},
		entries:   make(map[string]*ledgerEntry),
		retention: terminalEntryRetention,
		lastPurge: time.Now().UTC(),
	}, nil
}

// Claim register a request ID for a connection
func (l *requestLedgerImpl) Claim(requestID, connectionID string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	now := time.Now().UTC()
	if now.Sub(l.lastPurge) >= purgeInterval {
		l.purgeExpired(now)
		l.lastPurge = now
	}
	if existing, ok := l.entries[requestID]; ok {
		return fmt.Errorf(
			"request %s already submitted by connection %s", requestID, existing.connectionID,
		)
	}
	l.entries[requestID] = &ledgerEntry{connectionID: connectionID, claimedAt: now}
	log.WithFields(l.LogTags).Debugf("Claimed request %s for %s", requestID, connectionID)
	return nil
}

// purgeExpired drop terminal entries older than the retention window. Caller
// holds the lock. Entries still awaiting their result are never dropped.
func (l *requestLedgerImpl) purgeExpired(now time.Time) {
	purged := 0
	for requestID, entry := range l.entries {
		if entry.terminal && now.Sub(entry.terminalAt) >= l.retention {
			delete(l.entries, requestID)
			purged++
		}
	}
	if purged > 0 {
		log.WithFields(l.LogTags).Debugf("Purged %d settled requests", purged)
	}
}

// Resolve fetch the connection a request originated from
func (l *requestLedgerImpl) Resolve(requestID string) (string, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	entry, ok := l.entries[requestID]
	if !ok {
		return "", false
	}
	return entry.connectionID, true
}

// Complete mark a request as terminally settled. The entry sticks around
// for the retention window so near-term duplicates of the same ID are still
// rejected.
func (l *requestLedgerImpl) Complete(requestID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if entry, ok := l.entries[requestID]; ok {
		entry.terminal = true
		entry.terminalAt = time.Now().UTC()
	}
}
