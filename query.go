package overpass

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/timwie/go-overpass/internal/errkind"
)

// Response is a decoded Overpass interpreter JSON body: the
// core never interprets "elements", it's handed back verbatim.
type Response = map[string]any

// RequestTimeout breaks the per-HTTP-call budget down the way aiohttp's
// ClientTimeout does: a total excluding query
// execution, plus optional socket-level budgets.
type RequestTimeout struct {
	// TotalWithoutQuerySecs bounds everything about the HTTP call other
	// than the server actually running the query (connection setup,
	// response headers/body transfer). Default 20.
	TotalWithoutQuerySecs float64
	// SockConnectSecs, if set, is validated and stored; Client does not
	// apply it to the HTTP call, so it does not bound the TCP/TLS handshake.
	SockConnectSecs *float64
	// EachSockReadSecs, if set, is validated and stored; Client does not
	// apply it to the HTTP call, so it does not bound individual socket reads.
	EachSockReadSecs *float64
}

// DefaultRequestTimeout is the RequestTimeout a Query gets when none is
// supplied via WithRequestTimeout.
func DefaultRequestTimeout() RequestTimeout {
	return RequestTimeout{TotalWithoutQuerySecs: 20}
}

func (rt RequestTimeout) validate() error {
	if !(rt.TotalWithoutQuerySecs > 0) || math.IsInf(rt.TotalWithoutQuerySecs, 0) {
		return errkind.Validationf("request timeout total_without_query_secs must be positive and finite")
	}
	if rt.SockConnectSecs != nil && (!(*rt.SockConnectSecs > 0) || math.IsInf(*rt.SockConnectSecs, 0)) {
		return errkind.Validationf("request timeout sock_connect_secs must be positive and finite")
	}
	if rt.EachSockReadSecs != nil && (!(*rt.EachSockReadSecs > 0) || math.IsInf(*rt.EachSockReadSecs, 0)) {
		return errkind.Validationf("request timeout each_sock_read_secs must be positive and finite")
	}
	return nil
}

// Query represents one logical Overpass query across all of its tries.
// Construct with NewQuery; run with Client.RunQuery.
//
// The six state transitions (BeginTry, BeginRequest,
// SucceedTry, FailTry, EndTry, Reset) are unexported methods called only
// from within this package (by Client, and by DefaultRunner to record a
// cache hit) — a Runner implemented in another package only ever sees the
// getters and the timeout/maxsize setters below.
type Query struct {
	runLock sync.Mutex

	inputCode string
	logger    zerolog.Logger

	settingsMu sync.RWMutex
	body       string // input_code with its settings declaration stripped
	settings   map[string]string
	cacheKey   string

	kwargs map[string]any

	runTimeoutSecs *float64
	requestTimeout RequestTimeout

	mu                   sync.Mutex
	nbTries              int
	err                  ClientError
	response             Response
	responseBytes        int
	timeStart            *time.Time
	timeStartTry         *time.Time
	timeStartRequest     *time.Time
	timeEndTry           *time.Time
	maxTimedOutAfterSecs *int
}

// QueryOption configures a Query at construction time.
type QueryOption func(*Query) error

// NewQuery parses input_code's leading `[k:v]` settings declaration (if
// any), validates and defaults it, and returns a Query ready to run.
func NewQuery(inputCode string, opts ...QueryOption) (*Query, error) {
	declared, body := splitSettings(inputCode)

	settings, err := buildSettings(declared)
	if err != nil {
		return nil, err
	}

	q := &Query{
		inputCode:      inputCode,
		logger:         zerolog.Nop(),
		body:           body,
		settings:       settings,
		cacheKey:       fingerprint(body),
		kwargs:         map[string]any{},
		requestTimeout: DefaultRequestTimeout(),
	}

	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// WithKwargs attaches opaque, user-supplied identifiers to a query. The
// core never inspects them; they exist purely for log correlation and are
// echoed back on errors that carry kwargs.
func WithKwargs(kwargs map[string]any) QueryOption {
	return func(q *Query) error {
		q.kwargs = kwargs
		return nil
	}
}

// WithRunTimeout sets the wall-clock budget across all of a query's tries.
// d must be positive and finite.
func WithRunTimeout(d time.Duration) QueryOption {
	return func(q *Query) error {
		secs := d.Seconds()
		if !(secs > 0) || math.IsInf(secs, 0) {
			return errkind.Validationf("run timeout must be positive and finite, got %s", d)
		}
		q.runTimeoutSecs = &secs
		return nil
	}
}

// WithRequestTimeout overrides the per-request timeout breakdown.
func WithRequestTimeout(rt RequestTimeout) QueryOption {
	return func(q *Query) error {
		if err := rt.validate(); err != nil {
			return err
		}
		q.requestTimeout = rt
		return nil
	}
}

// WithQueryLogger attaches a logger for output related to this query.
func WithQueryLogger(logger zerolog.Logger) QueryOption {
	return func(q *Query) error {
		q.logger = logger
		return nil
	}
}

// --- read-only getters ---

func (q *Query) InputCode() string { return q.inputCode }

func (q *Query) CacheKey() string { return q.cacheKey }

func (q *Query) Kwargs() map[string]any { return q.kwargs }

func (q *Query) RunTimeoutSecs() (float64, bool) {
	if q.runTimeoutSecs == nil {
		return 0, false
	}
	return *q.runTimeoutSecs, true
}

func (q *Query) RequestTimeout() RequestTimeout { return q.requestTimeout }

// Settings returns a copy of the current `[k:v]` settings map.
func (q *Query) Settings() map[string]string {
	q.settingsMu.RLock()
	defer q.settingsMu.RUnlock()

	out := make(map[string]string, len(q.settings))
	for k, v := range q.settings {
		out[k] = v
	}
	return out
}

// TimeoutSecs returns the current [timeout:*] setting.
func (q *Query) TimeoutSecs() int {
	q.settingsMu.RLock()
	defer q.settingsMu.RUnlock()

	n, _ := strconv.Atoi(q.settings["timeout"])
	return n
}

// SetTimeoutSecs overrides [timeout:*]. Runners use this to react to
// ExceededTimeout rejections; the default runner never lowers
// it.
func (q *Query) SetTimeoutSecs(n int) error {
	if n < 1 {
		return errkind.Validationf("timeout_secs must be >= 1, got %d", n)
	}

	q.settingsMu.Lock()
	defer q.settingsMu.Unlock()

	q.settings["timeout"] = strconv.Itoa(n)
	return nil
}

// MaxsizeMiB returns the current [maxsize:*] setting, in mebibytes.
func (q *Query) MaxsizeMiB() int {
	q.settingsMu.RLock()
	defer q.settingsMu.RUnlock()

	bytes, _ := strconv.Atoi(q.settings["maxsize"])
	return bytes / mib
}

// SetMaxsizeMiB overrides [maxsize:*], in mebibytes. Runners use this to
// react to ExceededMaxsize rejections.
func (q *Query) SetMaxsizeMiB(n int) error {
	if n < 1 {
		return errkind.Validationf("maxsize_mib must be >= 1, got %d", n)
	}

	q.settingsMu.Lock()
	defer q.settingsMu.Unlock()

	q.settings["maxsize"] = strconv.Itoa(n * mib)
	return nil
}

func (q *Query) NbTries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nbTries
}

// Error returns the error of the most recent try, or nil if the last try
// (if any) succeeded.
func (q *Query) Error() ClientError {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Response returns the full response of the successful try, or nil if the
// query hasn't completed successfully yet.
func (q *Query) Response() Response {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.response
}

func (q *Query) ResponseBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.responseBytes
}

// Done reports whether this query has a successful response.
func (q *Query) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.response != nil
}

// WasCached reports whether the current response came from a cache hit
// rather than a try against the server.
func (q *Query) WasCached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.response != nil && q.nbTries == 0
}

// RunDurationSecs returns how long this run has taken so far, as of now:
// time_end_try - time_start if the current try has ended, else
// now - time_start. Returns false if the query has never started.
func (q *Query) RunDurationSecs(now time.Time) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timeStart == nil {
		return 0, false
	}
	if q.timeEndTry != nil {
		return q.timeEndTry.Sub(*q.timeStart).Seconds(), true
	}
	return now.Sub(*q.timeStart).Seconds(), true
}

// RequestDurationSecs returns the duration of the current/most recent HTTP
// request, or false if the query was cached or the current try hasn't
// ended yet.
func (q *Query) RequestDurationSecs() (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timeStartRequest == nil || q.timeEndTry == nil {
		return 0, false
	}
	return q.timeEndTry.Sub(*q.timeStartRequest).Seconds(), true
}

// RunTimeoutElapsed reports whether run_timeout_secs is set and has been
// exceeded as of now.
func (q *Query) RunTimeoutElapsed(now time.Time) bool {
	if q.runTimeoutSecs == nil {
		return false
	}
	dur, ok := q.RunDurationSecs(now)
	return ok && dur > *q.runTimeoutSecs
}

// RunDurationLeftSecs returns ceil(run_timeout_secs - run_duration_secs),
// clamped to >= 0, or false if run_timeout_secs is unset.
func (q *Query) RunDurationLeftSecs(now time.Time) (float64, bool) {
	if q.runTimeoutSecs == nil {
		return 0, false
	}

	dur, ok := q.RunDurationSecs(now)
	if !ok {
		return *q.runTimeoutSecs, true
	}

	left := math.Ceil(*q.runTimeoutSecs - dur)
	if left < 0 {
		left = 0
	}
	return left, true
}

// MaxTimedOutAfterSecs returns the largest server-observed cancel-by-timeout
// of any prior try, if any.
func (q *Query) MaxTimedOutAfterSecs() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxTimedOutAfterSecs == nil {
		return 0, false
	}
	return *q.maxTimedOutAfterSecs, true
}

// --- state transitions, called only from client.go (and runner.go for a
// cache hit) ---

func (q *Query) beginTry(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timeStart == nil {
		t := now
		q.timeStart = &t
	}
	t := now
	q.timeStartTry = &t
	q.timeStartRequest = nil
	q.timeEndTry = nil
}

func (q *Query) beginRequest(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := now
	q.timeStartRequest = &t
}

func (q *Query) succeedTry(now time.Time, resp Response, nbytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := now
	q.timeEndTry = &t
	q.response = resp
	q.responseBytes = nbytes
	q.err = nil
}

func (q *Query) failTry(now time.Time, err ClientError) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := now
	q.timeEndTry = &t
	q.err = err

	if reject, ok := err.(*QueryRejectError); ok && reject.Cause == ExceededTimeout && reject.TimedOutAfterSecs != nil {
		secs := int(math.Ceil(*reject.TimedOutAfterSecs))
		if q.maxTimedOutAfterSecs == nil || secs > *q.maxTimedOutAfterSecs {
			q.maxTimedOutAfterSecs = &secs
		}
	}
}

func (q *Query) endTry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nbTries++
}

// reset rewinds the query to its just-created state, preserving only
// input_code, logger, and kwargs. run_timeout_secs and request_timeout
// are NOT preserved: they go back to construction defaults.
func (q *Query) reset() {
	declared, body := splitSettings(q.inputCode)
	settings, err := buildSettings(declared)
	if err != nil {
		// input_code was already validated once in NewQuery; this cannot
		// fail unless the settings declaration was itself mutated, which
		// nothing in this package does.
		panic("overpass: query settings became invalid on reset: " + err.Error())
	}

	q.settingsMu.Lock()
	q.body = body
	q.settings = settings
	q.cacheKey = fingerprint(body)
	q.settingsMu.Unlock()

	q.runTimeoutSecs = nil
	q.requestTimeout = DefaultRequestTimeout()

	q.mu.Lock()
	q.nbTries = 0
	q.err = nil
	q.response = nil
	q.responseBytes = 0
	q.timeStart = nil
	q.timeStartTry = nil
	q.timeStartRequest = nil
	q.timeEndTry = nil
	q.maxTimedOutAfterSecs = nil
	q.mu.Unlock()
}

// effectiveQL returns the QL to send on the wire for this try: the current
// settings, with [timeout:*] overridden to effectiveTimeoutSecs.
func (q *Query) effectiveQL(effectiveTimeoutSecs int) string {
	q.settingsMu.RLock()
	defer q.settingsMu.RUnlock()

	return rewriteQL(q.body, q.settings, effectiveTimeoutSecs)
}
