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

import "time"

// Overlaps check whether an activity's temporal extent intersects the
// half-open window [windowStart, windowEnd).
//
// An activity which is open-ended, or which has no recorded end, extends to
// positive infinity; it intersects the window IFF it starts before the window
// ends. Otherwise standard half-open interval overlap applies; touching at an
// exact boundary is not an overlap.
//
// The caller must guarantee windowStart <= windowEnd.
func Overlaps(
	activityStart time.Time,
	activityEnd *time.Time,
	activityOpenEnded bool,
	windowStart, windowEnd time.Time,
) bool {
	if activityOpenEnded || activityEnd == nil {
		return activityStart.Before(windowEnd)
	}
	return activityStart.Before(windowEnd) && activityEnd.After(windowStart)
}

// IntervalOverlaps convenience form of Overlaps against an ActivityInterval
func IntervalOverlaps(interval ActivityInterval, windowStart, windowEnd time.Time) bool {
	return Overlaps(interval.Start, interval.End, interval.OpenEnded, windowStart, windowEnd)
}
