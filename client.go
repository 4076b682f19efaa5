package overpass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/regexp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// reKilledPID extracts the pid from one "Killing query (pid N) ..." line
// of a kill_my_queries response body.
var reKilledPID = regexp.MustCompile(`\(pid (\d+)\)`)

// DefaultInstance is the main public Overpass API instance.
const DefaultInstance = "https://overpass-api.de/api/"

// DefaultUserAgent identifies this library and points back at it, the way
// the Overpass API documentation asks well-behaved clients to.
const DefaultUserAgent = "go-overpass/0 (https://github.com/timwie/go-overpass)"

// Client orchestrates RunQuery calls against one Overpass API instance: one
// HTTP session, a lazily-sized slot semaphore, and a pluggable Runner.
type Client struct {
	baseURL           string
	userAgent         string
	concurrency       int
	statusTimeoutSecs float64
	runner            Runner
	clock             Clock
	logger            zerolog.Logger
	metrics           *ClientMetrics

	httpClient *http.Client

	slotsMu sync.Mutex
	slots   *semaphore.Weighted
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client) error

// NewClient builds a Client against baseURL with DefaultUserAgent,
// concurrency 32, no status timeout, and a *DefaultRunner.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:     baseURL,
		userAgent:   DefaultUserAgent,
		concurrency: 32,
		clock:       RealClock(),
		logger:      zerolog.Nop(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.runner == nil {
		c.runner = &DefaultRunner{Logger: c.logger}
	}
	if c.metrics == nil {
		c.metrics = NewClientMetrics(prometheus.DefaultRegisterer)
	}

	c.httpClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: c.concurrency,
			MaxConnsPerHost:     c.concurrency,
		},
	}

	return c, nil
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithConcurrency overrides the connection pool / slot semaphore ceiling.
// n must be > 0.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("concurrency must be > 0, got %d", n)
		}
		c.concurrency = n
		return nil
	}
}

// WithStatusTimeout bounds status requests. d must be positive.
func WithStatusTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("status timeout must be > 0, got %s", d)
		}
		c.statusTimeoutSecs = d.Seconds()
		return nil
	}
}

// WithRunner overrides the default retry policy.
func WithRunner(r Runner) ClientOption {
	return func(c *Client) error {
		c.runner = r
		return nil
	}
}

// WithClientLogger attaches a logger for client-level events (status
// calls, cooldowns, slot waits).
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithClock overrides the Client's notion of time; intended for tests.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) error {
		c.clock = clock
		return nil
	}
}

// WithClientMetrics overrides where Prometheus collectors are registered.
func WithClientMetrics(m *ClientMetrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

func (c *Client) endpoint(path string) string {
	base := c.baseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + path
	}
	return u.ResolveReference(&url.URL{Path: path}).String()
}

// Status checks the current rate-limit state of the server.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	if c.statusTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.statusTimeoutSecs*float64(time.Second)))
		defer cancel()
	}
	return c.statusWithContext(ctx)
}

func (c *Client) statusWithContext(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("status"), nil)
	if err != nil {
		return nil, &CallError{Cause: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyCallErr(err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Cause: err}
	}

	ref := ResponseRef{StatusCode: resp.StatusCode, URL: req.URL.String()}
	status, err := ParseStatus(string(body), ref)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().EmbedObject(status).Msg("fetched status")
	return status, nil
}

// CancelQueries terminates every query this client's IP currently has
// running against the server, using a fresh, ephemeral connection that
// bypasses the slot semaphore and pool limit entirely — a wedged
// connection pool must never be able to block termination.
func (c *Client) CancelQueries(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("kill_my_queries"), nil)
	if err != nil {
		return 0, &CallError{Cause: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Close = true

	freshClient := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	resp, err := freshClient.Do(req)
	if err != nil {
		return 0, classifyCallErr(err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &CallError{Cause: err}
	}

	pids := make(map[string]struct{})
	for _, m := range reKilledPID.FindAllStringSubmatch(string(body), -1) {
		pids[m[1]] = struct{}{}
	}
	return len(pids), nil
}

// RunQuery sends q to the server and awaits completion, retrying per the
// configured Runner. If raiseOnFailure is true and q ends in failure, the
// last try's error is returned; it is always available via q.Error()
// regardless.
func (c *Client) RunQuery(ctx context.Context, q *Query, raiseOnFailure bool) error {
	if !q.runLock.TryLock() {
		return &AlreadyRunningError{Kwargs: q.Kwargs()}
	}
	defer q.runLock.Unlock()

	if q.Done() {
		return nil
	}
	if q.NbTries() > 0 {
		q.reset()
	}

	for {
		if err := c.invokeRunner(ctx, q, raiseOnFailure); err != nil {
			return err
		}
		if q.Done() {
			return nil
		}
		c.tryOnce(ctx, q)
	}
}

func (c *Client) invokeRunner(ctx context.Context, q *Query, raiseOnFailure bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RunnerError{Cause: fmt.Errorf("runner panicked: %v", r)}
		}
	}()

	runErr := c.runner.Run(ctx, c.clock, q)
	if runErr == nil {
		return nil
	}

	var clientErr ClientError
	if errors.As(runErr, &clientErr) {
		if clientErr != q.Error() {
			return &RunnerError{Cause: fmt.Errorf("runner returned a ClientError other than q.Error(): %w", runErr)}
		}
		if raiseOnFailure {
			return runErr
		}
		return nil
	}

	return &RunnerError{Cause: runErr}
}

// tryOnce runs the per-try procedure: cooldown, timeout computation, slot
// acquisition, the request itself, and response classification.
func (c *Client) tryOnce(ctx context.Context, q *Query) {
	now := c.clock.Now()
	q.beginTry(now)
	defer q.endTry()

	if IsTooManyQueries(q.Error()) {
		if err := c.cooldown(ctx, q); err != nil {
			q.failTry(c.clock.Now(), asClientError(err))
			return
		}
	}

	effectiveTimeoutSecs := q.TimeoutSecs()
	if left, ok := q.RunDurationLeftSecs(c.clock.Now()); ok && int(left) < effectiveTimeoutSecs {
		effectiveTimeoutSecs = int(left)
	}

	if maxTimedOut, ok := q.MaxTimedOutAfterSecs(); ok && effectiveTimeoutSecs <= maxTimedOut {
		q.failTry(c.clock.Now(), &GiveupError{
			Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: ExpectingQueryTimeout,
		})
		return
	}

	totalBudget := float64(effectiveTimeoutSecs) + q.RequestTimeout().TotalWithoutQuerySecs
	if totalBudget <= 0 {
		q.failTry(c.clock.Now(), &GiveupError{
			Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: RunTimeoutBeforeQueryCall,
		})
		return
	}

	if err := c.acquireSlot(ctx, q); err != nil {
		q.failTry(c.clock.Now(), asClientError(err))
		return
	}
	defer c.slots.Release(1)

	q.beginRequest(c.clock.Now())

	traceID := uuid.New().String()
	logger := q.logger.With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("calling overpass interpreter")

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(totalBudget*float64(time.Second)))
	defer cancel()

	body := q.effectiveQL(effectiveTimeoutSecs)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint("interpreter"),
		strings.NewReader(url.Values{"data": {body}}.Encode()))
	if err != nil {
		q.failTry(c.clock.Now(), &CallError{Cause: err})
		return
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Trace-Id", traceID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		failErr := classifyCallErr(err, elapsed)
		if _, isTimeout := failErr.(*CallTimeoutError); isTimeout {
			if q.RunTimeoutElapsed(c.clock.Now()) {
				failErr = &GiveupError{
					Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: RunTimeoutDuringQueryCall,
				}
			}
		}
		q.failTry(c.clock.Now(), failErr)
		c.metrics.observeRequest(false, elapsed)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		q.failTry(c.clock.Now(), &CallError{Cause: err})
		c.metrics.observeRequest(false, time.Since(start))
		return
	}
	resp.Body = io.NopCloser(strings.NewReader(string(raw)))

	result, err := classifyResponse(resp, q.Kwargs())
	if err != nil {
		q.failTry(c.clock.Now(), asClientError(err))
		c.metrics.observeRequest(false, time.Since(start))
		return
	}

	q.succeedTry(c.clock.Now(), result, len(raw))
	c.metrics.observeRequest(true, time.Since(start))
}

func mustRunDuration(q *Query, clock Clock) float64 {
	d, ok := q.RunDurationSecs(clock.Now())
	if !ok {
		return 0
	}
	return d
}

// cooldown implements the cooldown phase of tryOnce.
func (c *Client) cooldown(ctx context.Context, q *Query) error {
	budget, hasBudget := q.RunDurationLeftSecs(c.clock.Now())
	if hasBudget && budget <= 0 {
		return &GiveupError{Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: RunTimeoutBeforeStatusCall}
	}

	statusCtx := ctx
	var cancel context.CancelFunc
	if hasBudget {
		timeout := budget
		if c.statusTimeoutSecs > 0 && c.statusTimeoutSecs < timeout {
			timeout = c.statusTimeoutSecs
		}
		statusCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	} else if c.statusTimeoutSecs > 0 {
		statusCtx, cancel = context.WithTimeout(ctx, time.Duration(c.statusTimeoutSecs*float64(time.Second)))
		defer cancel()
	}

	status, err := c.statusWithContext(statusCtx)
	if err != nil {
		return err
	}

	if hasBudget && float64(status.CooldownSecs) > budget {
		return &GiveupError{Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: RunTimeoutByCooldown}
	}

	q.logger.Info().Int("cooldown_secs", status.CooldownSecs).Msg("cooling down")
	return c.clock.Sleep(ctx, time.Duration(status.CooldownSecs)*time.Second)
}

// acquireSlot creates the slot semaphore on first use (sized from a status
// call) and acquires one permit, honoring q's remaining run budget.
func (c *Client) acquireSlot(ctx context.Context, q *Query) error {
	slots, err := c.slotSemaphore(ctx)
	if err != nil {
		return err
	}

	if left, ok := q.RunDurationLeftSecs(c.clock.Now()); ok {
		if left <= 0 {
			return &GiveupError{Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: RunTimeoutBeforeQueryCall}
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(left*float64(time.Second)))
		defer cancel()
	}

	if err := slots.Acquire(ctx, 1); err != nil {
		return &GiveupError{Kwargs: q.Kwargs(), AfterSecs: mustRunDuration(q, c.clock), Cause: RunTimeoutBeforeQueryCall}
	}
	return nil
}

func (c *Client) slotSemaphore(ctx context.Context) (*semaphore.Weighted, error) {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()

	if c.slots != nil {
		return c.slots, nil
	}

	status, err := c.statusWithContext(ctx)
	if err != nil {
		return nil, err
	}

	capacity := int64(c.concurrency)
	if status.Slots != nil && int64(*status.Slots) < capacity {
		capacity = int64(*status.Slots)
	}
	if capacity < 1 {
		capacity = 1
	}

	c.slots = semaphore.NewWeighted(capacity)
	return c.slots, nil
}

func classifyCallErr(err error, elapsed time.Duration) ClientError {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallTimeoutError{AfterSecs: elapsed.Seconds()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallTimeoutError{AfterSecs: elapsed.Seconds()}
	}
	return &CallError{Cause: err}
}

func asClientError(err error) ClientError {
	var ce ClientError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Cause: err}
}

// ClientMetrics holds the Prometheus collectors for interpreter requests.
type ClientMetrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewClientMetrics registers this client's collectors on registerer. If
// registerer already holds collectors of the same name, those are reused.
func NewClientMetrics(registerer prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overpass",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total number of /api/interpreter requests, labeled by success.",
		}, []string{"success"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "overpass",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of /api/interpreter requests.",
		}, []string{"success"}),
	}
	if err := registerer.Register(m.Requests); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		m.Requests = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registerer.Register(m.Latency); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		m.Latency = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m
}

func (m *ClientMetrics) observeRequest(success bool, d time.Duration) {
	if m == nil {
		return
	}
	label := strconv.FormatBool(success)
	m.Requests.WithLabelValues(label).Inc()
	m.Latency.WithLabelValues(label).Observe(d.Seconds())
}
