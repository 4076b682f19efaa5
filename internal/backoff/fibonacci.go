// Package backoff provides the stateless back-off computation used by the
// default query runner.
package backoff

import "time"

// Fibonacci computes the delay DefaultRunner waits before retrying a query
// rejected as "too busy": fib(n) * base, where fib(1) = fib(2) = 1, so the
// sequence of delays across nb_tries = 1, 2, 3, ... is 1, 1, 2, 3, 5, 8, 13,
// ... times base. Unlike a classic exponential controller the early
// retries stay cheap while later ones still grow without bound.
//
// n is typically a query's nb_tries at the moment of the rejected try; n <
// 1 returns a zero delay.
func Fibonacci(base time.Duration, n int) time.Duration {
	if n < 1 {
		return 0
	}

	var a, b int64 = 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}

	return base * time.Duration(a)
}
