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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryRepository(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetInMemoryRepository()
	assert.Nil(err)

	observed := []ActivityChange{}
	uut.OnChange(func(change ActivityChange) {
		observed = append(observed, change)
	})

	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	at := func(hour int) time.Time {
		return base.Add(time.Hour * time.Duration(hour))
	}
	atP := func(hour int) *time.Time {
		point := at(hour)
		return &point
	}

	// Case 0: empty repository
	{
		found, err := uut.FindOverlapping(utCtxt, at(0), at(24))
		assert.Nil(err)
		assert.Empty(found)
		_, err = uut.FindByID(utCtxt, "a1")
		assert.NotNil(err)
	}

	// Case 1: activity must carry an ID
	{
		assert.NotNil(uut.Save(utCtxt, Activity{Start: at(0), End: atP(2)}))
		assert.Empty(observed)
	}

	// Case 2: first save is a create
	{
		assert.Nil(uut.Save(utCtxt, Activity{
			ID: "a1", Type: "shunting", Start: at(2), End: atP(4),
		}))
		assert.Len(observed, 1)
		assert.Equal(ChangeOpCreated, observed[0].Op)
		assert.Equal("a1", observed[0].Activity.ID)
	}

	// Case 3: second save of the same ID is an update
	{
		assert.Nil(uut.Save(utCtxt, Activity{
			ID: "a1", Type: "shunting", Start: at(3), End: atP(5),
		}))
		assert.Len(observed, 2)
		assert.Equal(ChangeOpUpdated, observed[1].Op)
		fetched, err := uut.FindByID(utCtxt, "a1")
		assert.Nil(err)
		assert.True(fetched.Start.Equal(at(3)))
	}

	// Case 4: overlap query returns results ordered by start
	{
		assert.Nil(uut.Save(utCtxt, Activity{
			ID: "a2", Type: "turnaround", Start: at(0), End: atP(2),
		}))
		assert.Nil(uut.Save(utCtxt, Activity{
			ID: "a3", Type: "run", Start: at(6), OpenEnded: true,
		}))
		found, err := uut.FindOverlapping(utCtxt, at(1), at(8))
		assert.Nil(err)
		assert.Len(found, 3)
		assert.Equal("a2", found[0].ID)
		assert.Equal("a1", found[1].ID)
		assert.Equal("a3", found[2].ID)
	}

	// Case 5: overlap query respects the half-open window
	{
		found, err := uut.FindOverlapping(utCtxt, at(2), at(3))
		assert.Nil(err)
		// a2 ends exactly at the window start, a1 starts at the window end
		assert.Empty(found)
	}

	// Case 6: delete notifies, unknown delete fails
	{
		assert.Nil(uut.Delete(utCtxt, "a2"))
		assert.Equal(ChangeOpDeleted, observed[len(observed)-1].Op)
		assert.Equal("a2", observed[len(observed)-1].Activity.ID)
		assert.NotNil(uut.Delete(utCtxt, "a2"))
		_, err := uut.FindByID(utCtxt, "a2")
		assert.NotNil(err)
	}
}
