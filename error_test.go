package overpass

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseErrorIsServerError(t *testing.T) {
	require.True(t, (&ResponseError{Response: ResponseRef{StatusCode: 502}}).IsServerError())
	require.True(t, (&ResponseError{Response: ResponseRef{StatusCode: 200}, DecodeFailed: true}).IsServerError())
	require.False(t, (&ResponseError{Response: ResponseRef{StatusCode: 404}}).IsServerError())
}

func TestPredicatesMatchWrappedErrors(t *testing.T) {
	base := &QueryRejectError{Cause: TooBusy}
	wrapped := fmt.Errorf("try 3: %w", base)

	require.True(t, IsTooBusy(wrapped))
	require.False(t, IsTooManyQueries(wrapped))
}

func TestIsCallTimeout(t *testing.T) {
	require.True(t, IsCallTimeout(&CallTimeoutError{AfterSecs: 1.5}))
	require.False(t, IsCallTimeout(&CallError{Cause: errors.New("boom")}))
}

func TestIsGiveup(t *testing.T) {
	require.True(t, IsGiveup(&GiveupError{Cause: RunTimeoutByCooldown}))
	require.False(t, IsGiveup(&QueryRejectError{Cause: TooBusy}))
}

func TestIsQueryResponse(t *testing.T) {
	require.True(t, IsQueryResponse(&QueryResponseError{}))
	require.False(t, IsQueryResponse(&QueryRejectError{}))
}

func TestShouldRetryByType(t *testing.T) {
	cases := []struct {
		name  string
		err   ClientError
		retry bool
	}{
		{"RunnerError", &RunnerError{Cause: errors.New("x")}, false},
		{"CallError", &CallError{Cause: errors.New("x")}, true},
		{"CallTimeoutError", &CallTimeoutError{}, true},
		{"ResponseError", &ResponseError{}, true},
		{"GiveupError", &GiveupError{}, false},
		{"QueryLanguageError", &QueryLanguageError{}, false},
		{"QueryRejectError", &QueryRejectError{}, true},
		{"QueryResponseError", &QueryResponseError{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.retry, c.err.ShouldRetry())
		})
	}
}

func TestAlreadyRunningErrorIsNotAClientError(t *testing.T) {
	err := &AlreadyRunningError{Kwargs: map[string]any{"id": 1}}
	var ce ClientError
	require.False(t, errors.As(error(err), &ce))
}
