/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RejectsBadSpecs(t *testing.T) {
	cases := []struct {
		name string
		spec string
		tz   string
	}{
		{"empty", "", "UTC"},
		{"too few fields", "* * *", "UTC"},
		{"six fields", "0 * * * * *", "UTC"},
		{"garbage", "not a schedule", "UTC"},
		{"out of range minute", "61 * * * *", "UTC"},
		{"unknown timezone", "* * * * *", "Mars/Olympus"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.spec, tc.tz)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchedule)
		})
	}
}

func TestParse_EmptyTimezoneDefaultsToUTC(t *testing.T) {
	_, err := Parse("*/5 * * * *", "")
	require.NoError(t, err)
}

func TestExpectedFires_EveryFiveMinutes(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)

	fires, err := ExpectedFires("*/5 * * * *", "UTC", t0, t1)
	require.NoError(t, err)

	want := []time.Time{
		time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 10, 10, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC),
	}
	assert.Equal(t, want, fires)
}

func TestExpectedFires_ListsRangesSteps(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	// 09:15 and 17:45 on weekdays; March 2 2026 is a Monday.
	fires, err := ExpectedFires("15,45 9-17/8 * * 1-5", "UTC", t0, t1)
	require.NoError(t, err)
	want := []time.Time{
		time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 17, 15, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 17, 45, 0, 0, time.UTC),
	}
	assert.Equal(t, want, fires)
}

func TestExpectedFires_Deterministic(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(6 * time.Hour)

	a, err := ExpectedFires("7 */2 * * *", "America/New_York", t0, t1)
	require.NoError(t, err)
	b, err := ExpectedFires("7 */2 * * *", "America/New_York", t0, t1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExpectedFires_AdjacentWindowsUnion(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tm := t0.Add(37 * time.Minute)
	t1 := t0.Add(90 * time.Minute)

	whole, err := ExpectedFires("*/10 * * * *", "UTC", t0, t1)
	require.NoError(t, err)
	left, err := ExpectedFires("*/10 * * * *", "UTC", t0, tm)
	require.NoError(t, err)
	right, err := ExpectedFires("*/10 * * * *", "UTC", tm, t1)
	require.NoError(t, err)

	assert.Equal(t, whole, append(left, right...))
}

func TestExpectedFires_WindowBoundaries(t *testing.T) {
	fire := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	// Window start is inclusive.
	fires, err := ExpectedFires("30 10 * * *", "UTC", fire, fire.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, fires, 1)
	assert.Equal(t, fire, fires[0])

	// Window end is exclusive.
	fires, err = ExpectedFires("30 10 * * *", "UTC", fire.Add(-time.Hour), fire)
	require.NoError(t, err)
	assert.Empty(t, fires)
}

func TestExpectedFires_DSTSpringForwardSkips(t *testing.T) {
	// US spring forward 2026: 02:00 EST jumps to 03:00 EDT on March 8.
	t0 := time.Date(2026, 3, 8, 5, 0, 0, 0, time.UTC)  // 00:00 EST
	t1 := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC) // 08:00 EDT

	fires, err := ExpectedFires("30 2 * * *", "America/New_York", t0, t1)
	require.NoError(t, err)
	assert.Empty(t, fires, "the skipped local hour never fires")
}

func TestExpectedFires_DSTFallBackFiresOnce(t *testing.T) {
	// US fall back 2026: 02:00 EDT repeats as 01:00 EST on November 1,
	// so 01:30 local occurs twice.
	t0 := time.Date(2026, 11, 1, 4, 0, 0, 0, time.UTC) // 00:00 EDT
	t1 := time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)

	fires, err := ExpectedFires("30 1 * * *", "America/New_York", t0, t1)
	require.NoError(t, err)
	assert.Len(t, fires, 1, "the ambiguous local time fires once")
}

func TestExpectedFires_NormalizedToUTC(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	fires, err := ExpectedFires("0 9 * * *", "Asia/Tokyo", t0, t1)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	// 09:00 JST is 00:00 UTC.
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), fires[0])
	assert.Equal(t, time.UTC, fires[0].Location())
}
