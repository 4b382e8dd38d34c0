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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestLedger(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRequestLedger()
	assert.Nil(err)

	// Case 0: unknown requests resolve to nothing
	{
		_, ok := uut.Resolve("req-1")
		assert.False(ok)
	}

	// Case 1: claim and resolve
	{
		assert.Nil(uut.Claim("req-1", "conn-1"))
		connectionID, ok := uut.Resolve("req-1")
		assert.True(ok)
		assert.Equal("conn-1", connectionID)
	}

	// Case 2: a request ID claims exactly once, whoever asks
	{
		assert.NotNil(uut.Claim("req-1", "conn-1"))
		assert.NotNil(uut.Claim("req-1", "conn-2"))
	}

	// Case 3: completion keeps the entry so late duplicates still fail
	{
		uut.Complete("req-1")
		assert.NotNil(uut.Claim("req-1", "conn-3"))
		connectionID, ok := uut.Resolve("req-1")
		assert.True(ok)
		assert.Equal("conn-1", connectionID)
	}

	// Case 4: completing an unknown request is harmless
	{
		uut.Complete("req-never-seen")
		assert.Nil(uut.Claim("req-2", "conn-2"))
	}
}

func TestRequestLedgerRetention(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRequestLedger()
	assert.Nil(err)
	impl, ok := uut.(*requestLedgerImpl)
	assert.True(ok)

	assert.Nil(uut.Claim("req-settled", "conn-1"))
	assert.Nil(uut.Claim("req-pending", "conn-2"))
	uut.Complete("req-settled")

	// Case 1: within the retention window both entries stay
	{
		impl.lock.Lock()
		impl.purgeExpired(time.Now().UTC())
		entryCount := len(impl.entries)
		impl.lock.Unlock()
		assert.Equal(2, entryCount)
		assert.NotNil(uut.Claim("req-settled", "conn-3"))
	}

	// Case 2: past the window only settled entries are dropped; a request
	// still awaiting its result is kept however old
	{
		impl.lock.Lock()
		impl.purgeExpired(time.Now().UTC().Add(impl.retention * 2))
		entryCount := len(impl.entries)
		impl.lock.Unlock()
		assert.Equal(1, entryCount)

		_, ok := uut.Resolve("req-pending")
		assert.True(ok)
		_, ok = uut.Resolve("req-settled")
		assert.False(ok)
	}

	// Case 3: a purged request ID is claimable again
	{
		assert.Nil(uut.Claim("req-settled", "conn-3"))
		connectionID, ok := uut.Resolve("req-settled")
		assert.True(ok)
		assert.Equal("conn-3", connectionID)
	}
}
