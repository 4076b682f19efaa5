package overpass

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewQueryDefaults(t *testing.T) {
	q, err := NewQuery("node(1);\nout;")
	require.NoError(t, err)
	require.Equal(t, DefaultTimeoutSecs, q.TimeoutSecs())
	require.Equal(t, DefaultMaxsizeMiB, q.MaxsizeMiB())
	require.False(t, q.Done())
	require.Equal(t, 0, q.NbTries())
}

func TestNewQueryRejectsNonJSONOut(t *testing.T) {
	_, err := NewQuery("[out:xml];node(1);")
	require.Error(t, err)
}

func TestNewQueryWithOptions(t *testing.T) {
	q, err := NewQuery("node(1);",
		WithKwargs(map[string]any{"id": 42}),
		WithRunTimeout(30*time.Second),
		WithRequestTimeout(RequestTimeout{TotalWithoutQuerySecs: 5}),
	)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": 42}, q.Kwargs())

	secs, ok := q.RunTimeoutSecs()
	require.True(t, ok)
	require.Equal(t, 30.0, secs)
	require.Equal(t, 5.0, q.RequestTimeout().TotalWithoutQuerySecs)
}

func TestWithRunTimeoutRejectsNonPositive(t *testing.T) {
	_, err := NewQuery("node(1);", WithRunTimeout(0))
	require.Error(t, err)
}

func TestQuerySetTimeoutAndMaxsize(t *testing.T) {
	q, err := NewQuery("node(1);")
	require.NoError(t, err)

	require.NoError(t, q.SetTimeoutSecs(360))
	require.Equal(t, 360, q.TimeoutSecs())

	require.NoError(t, q.SetMaxsizeMiB(1024))
	require.Equal(t, 1024, q.MaxsizeMiB())

	require.Error(t, q.SetTimeoutSecs(0))
	require.Error(t, q.SetMaxsizeMiB(-1))
}

func TestQueryLifecycleTransitions(t *testing.T) {
	q, err := NewQuery("node(1);")
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.beginTry(t0)
	require.False(t, q.Done())

	t1 := t0.Add(time.Second)
	q.beginRequest(t1)

	t2 := t1.Add(2 * time.Second)
	q.succeedTry(t2, Response{"elements": []any{}}, 128)
	q.endTry()

	require.True(t, q.Done())
	require.Equal(t, 1, q.NbTries())
	require.Equal(t, 128, q.ResponseBytes())

	dur, ok := q.RunDurationSecs(t2)
	require.True(t, ok)
	require.Equal(t, 3.0, dur)

	reqDur, ok := q.RequestDurationSecs()
	require.True(t, ok)
	require.Equal(t, 2.0, reqDur)
}

// WasCached is true only for a cache hit that never went through a try.
func TestQueryWasCached(t *testing.T) {
	q, err := NewQuery("node(1);")
	require.NoError(t, err)

	now := time.Now()
	q.succeedTry(now, Response{"elements": []any{}}, 0)
	require.True(t, q.Done())
	require.True(t, q.WasCached())

	q.endTry()
	require.False(t, q.WasCached())
}

func TestQueryFailTryTracksMaxTimedOutAfterSecs(t *testing.T) {
	q, err := NewQuery("node(1);")
	require.NoError(t, err)

	now := time.Now()
	secs1, secs2 := 5.0, 12.0

	q.failTry(now, &QueryRejectError{Cause: ExceededTimeout, TimedOutAfterSecs: &secs1})
	max1, ok := q.MaxTimedOutAfterSecs()
	require.True(t, ok)
	require.Equal(t, 5, max1)

	q.failTry(now, &QueryRejectError{Cause: ExceededTimeout, TimedOutAfterSecs: &secs2})
	max2, ok := q.MaxTimedOutAfterSecs()
	require.True(t, ok)
	require.Equal(t, 12, max2)

	// A smaller one does not lower the tracked maximum.
	smaller := 1.0
	q.failTry(now, &QueryRejectError{Cause: ExceededTimeout, TimedOutAfterSecs: &smaller})
	max3, _ := q.MaxTimedOutAfterSecs()
	require.Equal(t, 12, max3)
}

// L3: resetting twice in a row is equivalent to resetting once, and
// preserves only input_code, logger, and kwargs.
func TestQueryResetPreservesOnlyInputCodeLoggerKwargs(t *testing.T) {
	q, err := NewQuery("node(1);",
		WithKwargs(map[string]any{"id": 1}),
		WithRunTimeout(time.Minute),
	)
	require.NoError(t, err)

	require.NoError(t, q.SetTimeoutSecs(999))
	q.beginTry(time.Now())
	q.succeedTry(time.Now(), Response{"elements": []any{}}, 10)
	q.endTry()

	q.reset()

	require.Equal(t, "node(1);", q.InputCode())
	require.Equal(t, map[string]any{"id": 1}, q.Kwargs())
	require.Equal(t, DefaultTimeoutSecs, q.TimeoutSecs())
	require.False(t, q.Done())
	require.Equal(t, 0, q.NbTries())
	_, hasRunTimeout := q.RunTimeoutSecs()
	require.False(t, hasRunTimeout)

	afterFirstReset := q.CacheKey()
	q.reset()
	require.Equal(t, afterFirstReset, q.CacheKey())
	require.False(t, q.Done())
}

func TestQueryRunTimeoutElapsed(t *testing.T) {
	q, err := NewQuery("node(1);", WithRunTimeout(10*time.Second))
	require.NoError(t, err)

	start := time.Now()
	q.beginTry(start)

	require.False(t, q.RunTimeoutElapsed(start.Add(5*time.Second)))
	require.True(t, q.RunTimeoutElapsed(start.Add(11*time.Second)))

	left, ok := q.RunDurationLeftSecs(start.Add(5 * time.Second))
	require.True(t, ok)
	require.Equal(t, 5.0, left)

	left, ok = q.RunDurationLeftSecs(start.Add(20 * time.Second))
	require.True(t, ok)
	require.Equal(t, 0.0, left)
}

func TestQueryEffectiveQL(t *testing.T) {
	q, err := NewQuery("node(1);\nout;")
	require.NoError(t, err)

	ql := q.effectiveQL(42)
	require.Contains(t, ql, "[timeout:42]")
	require.Contains(t, ql, "[out:json]")
	require.Contains(t, ql, "node(1);\nout;")
}
