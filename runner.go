package overpass

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	intbackoff "github.com/timwie/go-overpass/internal/backoff"
)

// Runner is invoked before every try and once after the last try, with the
// query as it currently stands. Minimum contract: return to
// (re)try, or return query.Error() to give up.
//
// A Runner outside this package only ever sees a *Query through its
// exported getters/setters — the lifecycle transitions in query.go are
// unexported and called solely by Client (and by DefaultRunner, to record a
// cache hit), so such a Runner cannot corrupt try bookkeeping, only read it
// and adjust settings.
type Runner interface {
	Run(ctx context.Context, clock Clock, q *Query) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, clock Clock, q *Query) error

func (f RunnerFunc) Run(ctx context.Context, clock Clock, q *Query) error { return f(ctx, clock, q) }

// BackoffSecs computes how long to sleep before the next try when the
// server reports it's too busy, given the number of tries so far.
type BackoffSecs func(tries int) time.Duration

// FibonacciBackoff is the default runner's back-off: 1, 1, 2, 3, 5, 8, 13,
// … seconds keyed by nb_tries.
func FibonacciBackoff(base time.Duration) BackoffSecs {
	return func(tries int) time.Duration {
		return intbackoff.Fibonacci(base, tries)
	}
}

// JitteredBackoff adapts github.com/jpillora/backoff's exponential/jitter
// strategy as an alternate to FibonacciBackoff, for deployments that query
// an Overpass mirror shared with many other unrelated clients and want to
// avoid synchronized retry storms. Each call advances the underlying
// Backoff's internal attempt counter, so tries must be presented in
// increasing order — the same assumption DefaultRunner's own call site
// satisfies.
func JitteredBackoff(min, max time.Duration) BackoffSecs {
	b := &backoff.Backoff{Min: min, Max: max, Jitter: true}
	return func(tries int) time.Duration {
		if tries <= 0 {
			b.Reset()
		}
		return b.Duration()
	}
}

// DefaultRunner implements the retry policy: caches ahead
// of the first try, retries on retryable errors up to MaxTries, backs off
// on TooBusy, and doubles [timeout:*]/[maxsize:*] on the rejections that
// name them. It never lowers either setting.
type DefaultRunner struct {
	// MaxTries bounds the number of tries per query (default 5 if <= 0).
	MaxTries int
	// CacheTTL is how long a successful response is cached for. Zero
	// disables caching for this runner, regardless of Cache.
	CacheTTL time.Duration
	// Cache stores/retrieves query results across runs. NoopCache{} is
	// used if nil.
	Cache Cache
	// Backoff computes the too-busy sleep duration. FibonacciBackoff(time.Second)
	// is used if nil.
	Backoff BackoffSecs
	// Logger receives one line per cache hit, too-busy back-off, and
	// timeout/maxsize increase.
	Logger zerolog.Logger
}

const defaultMaxTries = 5

var _ Runner = (*DefaultRunner)(nil)

func (r *DefaultRunner) maxTries() int {
	if r.MaxTries <= 0 {
		return defaultMaxTries
	}
	return r.MaxTries
}

func (r *DefaultRunner) cache() Cache {
	if r.Cache == nil {
		return NoopCache{}
	}
	return r.Cache
}

func (r *DefaultRunner) backoff() BackoffSecs {
	if r.Backoff == nil {
		return FibonacciBackoff(time.Second)
	}
	return r.Backoff
}

func (r *DefaultRunner) Run(ctx context.Context, clock Clock, q *Query) error {
	if q.NbTries() == 0 {
		if resp, ok := r.cache().Get(q.CacheKey()); ok {
			q.succeedTry(clock.Now(), resp, 0)
			r.Logger.Info().Str("cache_key", q.CacheKey()).Msg("query was cached")
		}
	}

	if q.Done() {
		if q.NbTries() > 0 && r.CacheTTL > 0 {
			r.cache().Set(q.CacheKey(), q.Response(), r.CacheTTL)
		}
		return nil
	}

	err := q.Error()
	if err == nil {
		return nil // first try, nothing to evaluate yet
	}

	if !err.ShouldRetry() || q.NbTries() >= r.maxTries() {
		return err
	}

	reject, isReject := err.(*QueryRejectError)
	if !isReject {
		return nil
	}

	switch reject.Cause {
	case TooBusy:
		d := r.backoff()(q.NbTries())
		r.Logger.Info().Dur("after", d).Msg("retrying too-busy rejection")
		return clock.Sleep(ctx, d)

	case TooManyQueries:
		// Client.tryOnce handles the cooldown itself before the next try.

	case ExceededTimeout:
		next := q.TimeoutSecs() * 2
		if err := q.SetTimeoutSecs(next); err != nil {
			return &RunnerError{Cause: err}
		}
		r.Logger.Info().Int("timeout_secs", next).Msg("increased timeout after rejection")

	case ExceededMaxsize:
		next := q.MaxsizeMiB() * 2
		if err := q.SetMaxsizeMiB(next); err != nil {
			return &RunnerError{Cause: err}
		}
		r.Logger.Info().Int("maxsize_mib", next).Msg("increased maxsize after rejection")
	}

	return nil
}
