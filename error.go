package overpass

import (
	"errors"
	"fmt"
)

// ClientError is the root of this package's error taxonomy.
// Every error a Client or DefaultRunner can attach to a Query implements
// this interface; ShouldRetry tells a runner whether the default policy
// would retry on it, so custom runners can consult it rather than switch
// on concrete error types — new variants stay compatible with existing
// runners.
type ClientError interface {
	error
	ShouldRetry() bool
}

// ResponseRef carries just enough of an *http.Response to describe where an
// error came from once the body has been consumed and the response closed.
type ResponseRef struct {
	StatusCode int
	URL        string
}

func (r ResponseRef) String() string {
	return fmt.Sprintf("%d %s", r.StatusCode, r.URL)
}

// RunnerError wraps a panic or non-ClientError value a Runner raised, or a
// ClientError a Runner returned that is not the query's own Error(). It is
// never retried: a misbehaving runner is a programming error, not a
// transient condition.
type RunnerError struct {
	Cause error
}

func (e *RunnerError) Error() string     { return fmt.Sprintf("runner error: %s", e.Cause) }
func (e *RunnerError) Unwrap() error     { return e.Cause }
func (e *RunnerError) ShouldRetry() bool { return false }

var _ ClientError = (*RunnerError)(nil)

// CallError is raised when an HTTP call to the Overpass API fails before a
// response was received (DNS, dial, connection reset, ...). Retried by
// default.
type CallError struct {
	Cause error
}

func (e *CallError) Error() string     { return fmt.Sprintf("call error: %s", e.Cause) }
func (e *CallError) Unwrap() error     { return e.Cause }
func (e *CallError) ShouldRetry() bool { return true }

var _ ClientError = (*CallError)(nil)

// CallTimeoutError is raised in place of CallError when the cause was the
// per-request deadline (not the run budget) being exceeded. Retried by
// default, unless the client determines the run budget is also exhausted,
// in which case it substitutes a GiveupError instead.
type CallTimeoutError struct {
	AfterSecs float64
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("request exceeded its %.3fs deadline", e.AfterSecs)
}
func (e *CallTimeoutError) ShouldRetry() bool { return true }

var _ ClientError = (*CallTimeoutError)(nil)

// ResponseError means a response was received but could not be
// interpreted: a non-JSON body, a JSON body missing required fields, or a
// body that failed to decode. IsServerError reports whether the status
// code or decode failure suggests a remote-side outage rather than a
// client-side bug.
type ResponseError struct {
	Response     ResponseRef
	Body         string
	Cause        error // optional, e.g. a json.Decoder error
	DecodeFailed bool  // set when Cause is itself a JSON decode failure
}

func (e *ResponseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot interpret response from %s: %s", e.Response, e.Cause)
	}
	return fmt.Sprintf("cannot interpret response from %s", e.Response)
}

func (e *ResponseError) Unwrap() error { return e.Cause }

func (e *ResponseError) ShouldRetry() bool { return true }

// IsServerError reports whether this response error looks like a remote
// outage: status >= 500, or the body could not be decoded as JSON at all
// (a truncated/garbled response is itself evidence of one).
func (e *ResponseError) IsServerError() bool {
	return e.Response.StatusCode >= 500 || e.DecodeFailed
}

var _ ClientError = (*ResponseError)(nil)

// GiveupCause names why a GiveupError was raised.
type GiveupCause int

const (
	// RunTimeoutBeforeStatusCall: the run budget was already exhausted
	// before a required /api/status call for cooldown handling.
	RunTimeoutBeforeStatusCall GiveupCause = iota
	// RunTimeoutByCooldown: the server-reported cooldown would by itself
	// exceed the remaining run budget.
	RunTimeoutByCooldown
	// RunTimeoutBeforeQueryCall: the run budget leaves no positive time
	// budget for the next try's HTTP call.
	RunTimeoutBeforeQueryCall
	// ExpectingQueryTimeout: this try's effective [timeout:*] would not
	// exceed the largest timeout a prior try was already cancelled at, so
	// retrying is pointless.
	ExpectingQueryTimeout
	// RunTimeoutDuringQueryCall: a request timed out and, by the time it
	// did, the run budget had already elapsed.
	RunTimeoutDuringQueryCall
)

func (c GiveupCause) String() string {
	switch c {
	case RunTimeoutBeforeStatusCall:
		return "run timeout before status call"
	case RunTimeoutByCooldown:
		return "run timeout by cooldown"
	case RunTimeoutBeforeQueryCall:
		return "run timeout before query call"
	case ExpectingQueryTimeout:
		return "expecting query timeout"
	case RunTimeoutDuringQueryCall:
		return "run timeout during query call"
	default:
		return "unknown giveup cause"
	}
}

// GiveupError means the query's run_timeout_secs budget was exhausted.
// Never retried: there's nothing left to retry with.
type GiveupError struct {
	Kwargs    map[string]any
	AfterSecs float64
	Cause     GiveupCause
}

func (e *GiveupError) Error() string {
	return fmt.Sprintf("giving up after %.3fs: %s", e.AfterSecs, e.Cause)
}

func (e *GiveupError) ShouldRetry() bool { return false }

var _ ClientError = (*GiveupError)(nil)

// QueryError is the common shape of errors describing a problem with the
// query itself (as opposed to the transport or the run budget): they carry
// the query's kwargs for log correlation and the raw diagnostic fragments
// (remarks) extracted from the response.
type QueryError interface {
	ClientError
	Remarks() []string
}

// QueryLanguageError means the server rejected input_code itself: a parse,
// static, or encoding error. Never retried — a different try of the same
// QL would fail identically.
type QueryLanguageError struct {
	Kwargs  map[string]any
	remarks []string
}

func NewQueryLanguageError(kwargs map[string]any, remarks []string) *QueryLanguageError {
	return &QueryLanguageError{Kwargs: kwargs, remarks: remarks}
}

func (e *QueryLanguageError) Error() string {
	return fmt.Sprintf("query language error: %s", firstOr(e.remarks, "no remarks"))
}
func (e *QueryLanguageError) ShouldRetry() bool { return false }
func (e *QueryLanguageError) Remarks() []string { return e.remarks }

var (
	_ ClientError = (*QueryLanguageError)(nil)
	_ QueryError  = (*QueryLanguageError)(nil)
)

// RejectCause names the reason the server rejected a query rather than
// answering or failing to respond at all.
type RejectCause int

const (
	// TooBusy: the gateway itself is overloaded (HTTP 504, or a matching
	// remark); back off and retry.
	TooBusy RejectCause = iota
	// TooManyQueries: this IP's concurrent-query slot budget is exhausted
	// (HTTP 429, or a matching remark); wait for the server-reported
	// cooldown.
	TooManyQueries
	// ExceededTimeout: the query ran past its [timeout:*] setting and was
	// cancelled by the server.
	ExceededTimeout
	// ExceededMaxsize: the query exceeded its [maxsize:*] memory budget and
	// was cancelled (OOM) by the server.
	ExceededMaxsize
)

func (c RejectCause) String() string {
	switch c {
	case TooBusy:
		return "too busy"
	case TooManyQueries:
		return "too many queries"
	case ExceededTimeout:
		return "exceeded timeout"
	case ExceededMaxsize:
		return "exceeded maxsize"
	default:
		return "unknown reject cause"
	}
}

// QueryRejectError means the server understood the query but refused to
// run it, or cancelled it mid-run, for one of the RejectCause reasons.
// Retried by default, with a policy that depends on Cause.
type QueryRejectError struct {
	Kwargs            map[string]any
	remarks           []string
	Cause             RejectCause
	TimedOutAfterSecs *float64 // set iff Cause == ExceededTimeout and extractable
	OOMUsingMiB       *int     // set iff Cause == ExceededMaxsize and extractable
}

func NewQueryRejectError(kwargs map[string]any, remarks []string, cause RejectCause) *QueryRejectError {
	return &QueryRejectError{Kwargs: kwargs, remarks: remarks, Cause: cause}
}

func (e *QueryRejectError) Error() string {
	return fmt.Sprintf("query rejected (%s): %s", e.Cause, firstOr(e.remarks, "no remarks"))
}
func (e *QueryRejectError) ShouldRetry() bool { return true }
func (e *QueryRejectError) Remarks() []string { return e.remarks }

var (
	_ ClientError = (*QueryRejectError)(nil)
	_ QueryError  = (*QueryRejectError)(nil)
)

// QueryResponseError is the "diamond" case: a response that decoded
// cleanly and was clearly about this query (it had a remark, or was an
// HTML error page) but the remark/fragment didn't match any known
// RejectCause. Rather than multiple inheritance, this is a single struct
// whose ShouldRetry mirrors ResponseError's, tagged as a QueryError.
type QueryResponseError struct {
	Kwargs   map[string]any
	remarks  []string
	Response ResponseRef
	Body     string
}

func NewQueryResponseError(kwargs map[string]any, remarks []string, ref ResponseRef, body string) *QueryResponseError {
	return &QueryResponseError{Kwargs: kwargs, remarks: remarks, Response: ref, Body: body}
}

func (e *QueryResponseError) Error() string {
	return fmt.Sprintf("unclassified query response from %s: %s", e.Response, firstOr(e.remarks, "no remarks"))
}

// ShouldRetry inherits ResponseError's unconditional-retry policy.
func (e *QueryResponseError) ShouldRetry() bool { return true }
func (e *QueryResponseError) Remarks() []string { return e.remarks }

var (
	_ ClientError = (*QueryResponseError)(nil)
	_ QueryError  = (*QueryResponseError)(nil)
)

// AlreadyRunningError is raised synchronously by Client.RunQuery when two
// calls overlap on the same *Query. It is not part of the ClientError
// hierarchy: it never gets attached to a query's error field, it's
// returned directly to the offending caller.
type AlreadyRunningError struct {
	Kwargs map[string]any
}

func (e *AlreadyRunningError) Error() string { return "query is already running" }

// --- classifiers exposed as boolean predicates ---

// as reports whether err (or something it wraps) is a *T, handing back the
// concrete value. It's the one-line form of the "var x *T; errors.As(err,
// &x)" dance used by every predicate below.
func as[T error](err error) (T, bool) {
	var t T
	ok := errors.As(err, &t)
	return t, ok
}

func IsCallTimeout(err error) bool {
	_, ok := as[*CallTimeoutError](err)
	return ok
}

func IsServerError(err error) bool {
	r, ok := as[*ResponseError](err)
	return ok && r.IsServerError()
}

func IsTooBusy(err error) bool        { return hasRejectCause(err, TooBusy) }
func IsTooManyQueries(err error) bool { return hasRejectCause(err, TooManyQueries) }
func IsExceedingTimeout(err error) bool { return hasRejectCause(err, ExceededTimeout) }
func IsExceedingMaxsize(err error) bool { return hasRejectCause(err, ExceededMaxsize) }

func IsQueryLanguageError(err error) bool {
	_, ok := as[*QueryLanguageError](err)
	return ok
}

func IsGiveup(err error) bool {
	_, ok := as[*GiveupError](err)
	return ok
}

// IsQueryResponse reports whether err is the "diamond" QueryResponseError
// case.
func IsQueryResponse(err error) bool {
	_, ok := as[*QueryResponseError](err)
	return ok
}

func hasRejectCause(err error, cause RejectCause) bool {
	r, ok := as[*QueryRejectError](err)
	return ok && r.Cause == cause
}

func firstOr(s []string, fallback string) string {
	if len(s) == 0 {
		return fallback
	}
	return s[0]
}
