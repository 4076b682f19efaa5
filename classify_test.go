package overpass

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonResponse(t *testing.T, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://example.test/api/interpreter", nil)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func TestClassifyResponseSuccess(t *testing.T) {
	body := `{"version":0.6,"generator":"Overpass API","osm3s":{"timestamp_osm_base":"2024-01-01T00:00:00Z","copyright":"c"},"elements":[]}`
	resp, err := classifyResponse(jsonResponse(t, body), nil)
	require.NoError(t, err)
	require.Equal(t, "Overpass API", resp["generator"])
}

func TestClassifyResponseMissingField(t *testing.T) {
	body := `{"version":0.6,"generator":"Overpass API","osm3s":{"copyright":"c"},"elements":[]}`
	_, err := classifyResponse(jsonResponse(t, body), nil)
	require.Error(t, err)
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
}

func TestClassifyResponseJSONRemarkTooBusy(t *testing.T) {
	body := `{"remark":"runtime error: open64: 0 Success /osm3s rate_limited. The server is probably too busy to handle your request."}`
	_, err := classifyResponse(jsonResponse(t, body), map[string]any{"id": 1})
	require.True(t, IsTooBusy(err))
}

func TestClassifyResponseJSONRemarkTimedOut(t *testing.T) {
	body := `{"remark":"runtime error: Query timed out in \"query\" at line 3 after 2 seconds."}`
	_, err := classifyResponse(jsonResponse(t, body), nil)
	require.True(t, IsExceedingTimeout(err))

	var reject *QueryRejectError
	require.ErrorAs(t, err, &reject)
	require.NotNil(t, reject.TimedOutAfterSecs)
	require.InDelta(t, 2.0, *reject.TimedOutAfterSecs, 0.001)
}

func TestClassifyResponseJSONRemarkOOM(t *testing.T) {
	body := `{"remark":"runtime error: Query run out of memory in \"recurse\" at line 1 using about 541 MB of RAM."}`
	_, err := classifyResponse(jsonResponse(t, body), nil)
	require.True(t, IsExceedingMaxsize(err))

	var reject *QueryRejectError
	require.ErrorAs(t, err, &reject)
	require.NotNil(t, reject.OOMUsingMiB)
	require.Equal(t, 516, *reject.OOMUsingMiB) // ceil(541e6 / 2^20)
}

func TestClassifyResponseHTMLQueryLanguageError(t *testing.T) {
	body := `<html><body><p><strong>Error</strong>: encoding error: should not happen: bytes remaining at end of query.</p></body></html>`
	req := httptest.NewRequest(http.MethodPost, "https://example.test/api/interpreter", nil)
	resp := &http.Response{
		StatusCode: http.StatusBadRequest,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}

	_, err := classifyResponse(resp, nil)
	require.True(t, IsQueryLanguageError(err))
}

func TestClassifyResponseHTMLUnclassified(t *testing.T) {
	body := `<html><body><p><strong>Error</strong>: something weird happened.</p></body></html>`
	req := httptest.NewRequest(http.MethodPost, "https://example.test/api/interpreter", nil)
	resp := &http.Response{
		StatusCode: http.StatusInternalServerError,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}

	_, err := classifyResponse(resp, nil)
	require.True(t, IsQueryResponse(err))
}

func TestClassifyResponsePlainTextIsResponseError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://example.test/api/status", nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader("not json")),
		Request:    req,
	}

	_, err := classifyResponse(resp, nil)
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
}

func TestClassifyResponseStatusCodeFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://example.test/api/interpreter", nil)
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{}`)),
		Request:    req,
	}

	_, err := classifyResponse(resp, nil)
	require.True(t, IsTooManyQueries(err))
}
