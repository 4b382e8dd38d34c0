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

package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimer(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	// Case 1: repeating trigger
	{
		fired := make(chan bool, 8)
		assert.Nil(uut.Start(time.Millisecond*20, func() error {
			fired <- true
			return nil
		}, false))
		for itr := 0; itr < 2; itr++ {
			select {
			case <-fired:
			case <-time.After(time.Second):
				t.Fatal("Timer did not fire in time")
			}
		}
		assert.Nil(uut.Stop())
	}

	// Case 2: one shot trigger fires exactly once
	{
		fired := make(chan bool, 8)
		assert.Nil(uut.Start(time.Millisecond*20, func() error {
			fired <- true
			return nil
		}, true))
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("Timer did not fire in time")
		}
		select {
		case <-fired:
			t.Fatal("One shot timer fired again")
		case <-time.After(time.Millisecond * 100):
		}
		assert.Nil(uut.Stop())
	}
}
