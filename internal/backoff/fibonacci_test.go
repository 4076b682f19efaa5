package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFibonacci(t *testing.T) {
	base := time.Second

	expected := []time.Duration{
		1 * base, 1 * base, 2 * base, 3 * base, 5 * base, 8 * base, 13 * base, 21 * base,
	}

	for n, want := range expected {
		got := Fibonacci(base, n+1)
		require.Equalf(t, want, got, "n=%d", n+1)
	}
}

func TestFibonacciBeforeFirstTry(t *testing.T) {
	require.Equal(t, time.Duration(0), Fibonacci(time.Second, 0))
	require.Equal(t, time.Duration(0), Fibonacci(time.Second, -1))
}
