package overpass

import (
	"bytes"
	"encoding/json"
	"html"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

// reHTMLErrorFragment pulls the diagnostic text out of Overpass's HTML
// error pages, which wrap each complaint in `<p><strong>Error</strong>: ...
// </p>`.
var reHTMLErrorFragment = regexp.MustCompile(`(?s)Error</strong>: (.+?)</p>`)

// reTimedOutAfter and reOOMUsingMiB pull the structured numbers out of the
// two remarks that carry them:
//
//	runtime error: Query timed out in "query" at line 3 after 2 seconds.
//	runtime error: Query run out of memory in "recurse" at line 1 using about 541 MB of RAM.
var (
	reTimedOutAfter = regexp.MustCompile(`Query timed out in ".*?" at line \d+ after (\d+(?:\.\d+)?) seconds?\.`)
	reOOMUsingMiB   = regexp.MustCompile(`Query run out of memory in ".*?" at line \d+ using about (\d+(?:\.\d+)?) MB of RAM\.`)
)

// rejectionDict is the substring-match table for rejection remarks.
var rejectionDict = []struct {
	substr string
	cause  RejectCause
}{
	{"Please check /api/status for the quota of your IP address", TooManyQueries},
	{"The server is probably too busy to handle your request", TooBusy},
	{"Query timed out", ExceededTimeout},
	{"out of memory", ExceededMaxsize},
}

func matchRejectCause(msg string) (RejectCause, bool) {
	for _, r := range rejectionDict {
		if strings.Contains(msg, r.substr) {
			return r.cause, true
		}
	}
	return 0, false
}

func isQueryLanguageRemark(msg string) bool {
	return strings.Contains(msg, "parse error:") ||
		strings.Contains(msg, "static error:") ||
		strings.Contains(msg, "encoding error:")
}

// classifyResponse implements the response classifier: it
// consumes resp.Body, closes it, and either returns the decoded JSON result
// or a ClientError describing what went wrong. kwargs is echoed onto any
// QueryError raised, for log correlation.
func classifyResponse(resp *http.Response, kwargs map[string]any) (Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Cause: err}
	}

	ref := ResponseRef{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
	contentType := resp.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "text/plain"):
		return nil, &ResponseError{Response: ref, Body: string(body)}

	case strings.HasPrefix(contentType, "text/html"):
		return classifyHTML(string(body), ref, kwargs)

	default:
		return classifyJSON(body, resp.StatusCode, ref, kwargs)
	}
}

func classifyHTML(body string, ref ResponseRef, kwargs map[string]any) (Response, error) {
	matches := reHTMLErrorFragment.FindAllStringSubmatch(body, -1)
	if matches == nil {
		return nil, &ResponseError{Response: ref, Body: body}
	}

	remarks := make([]string, len(matches))
	for i, m := range matches {
		remarks[i] = strings.TrimSpace(html.UnescapeString(m[1]))
	}

	for _, r := range remarks {
		if isQueryLanguageRemark(r) {
			return nil, NewQueryLanguageError(kwargs, remarks)
		}
	}

	for _, r := range remarks {
		if cause, ok := matchRejectCause(r); ok {
			reject := NewQueryRejectError(kwargs, remarks, cause)
			applyRejectExtractions(reject, r)
			return nil, reject
		}
	}

	return nil, NewQueryResponseError(kwargs, remarks, ref, body)
}

func classifyJSON(body []byte, statusCode int, ref ResponseRef, kwargs map[string]any) (Response, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, &ResponseError{Response: ref, Body: string(body), Cause: err, DecodeFailed: true}
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ResponseError{Response: ref, Body: string(body)}
	}

	if remark, ok := obj["remark"].(string); ok && remark != "" {
		if isQueryLanguageRemark(remark) {
			return nil, NewQueryLanguageError(kwargs, []string{remark})
		}
		if cause, ok := matchRejectCause(remark); ok {
			reject := NewQueryRejectError(kwargs, []string{remark}, cause)
			applyRejectExtractions(reject, remark)
			return nil, reject
		}
		return nil, NewQueryResponseError(kwargs, []string{remark}, ref, string(body))
	}

	if statusCode == http.StatusTooManyRequests {
		return nil, NewQueryRejectError(kwargs, nil, TooManyQueries)
	}
	if statusCode == http.StatusGatewayTimeout {
		return nil, NewQueryRejectError(kwargs, nil, TooBusy)
	}

	if err := validateResultFields(obj); err != nil {
		return nil, &ResponseError{Response: ref, Body: string(body), Cause: err}
	}

	return Response(obj), nil
}

// validateResultFields checks the top-level fields every successful
// interpreter response carries.
func validateResultFields(obj map[string]any) error {
	for _, field := range []string{"version", "generator", "osm3s", "elements"} {
		if _, ok := obj[field]; !ok {
			return errMissingField(field)
		}
	}

	osm3s, ok := obj["osm3s"].(map[string]any)
	if !ok {
		return errMissingField("osm3s")
	}
	for _, field := range []string{"timestamp_osm_base", "copyright"} {
		if _, ok := osm3s[field]; !ok {
			return errMissingField("osm3s." + field)
		}
	}

	return nil
}

type missingFieldError string

func errMissingField(field string) error { return missingFieldError(field) }
func (e missingFieldError) Error() string { return "missing required field " + string(e) }

// applyRejectExtractions fills in TimedOutAfterSecs / OOMUsingMiB on a
// QueryRejectError when the remark carries the structured numbers.
func applyRejectExtractions(e *QueryRejectError, remark string) {
	switch e.Cause {
	case ExceededTimeout:
		if m := reTimedOutAfter.FindStringSubmatch(remark); m != nil {
			if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
				e.TimedOutAfterSecs = &secs
			}
		}
	case ExceededMaxsize:
		if m := reOOMUsingMiB.FindStringSubmatch(remark); m != nil {
			if mb, err := strconv.ParseFloat(m[1], 64); err == nil {
				mib := int(math.Ceil(mb * 1_000_000 / (1024 * 1024)))
				e.OOMUsingMiB = &mib
			}
		}
	}
}
