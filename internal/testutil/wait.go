package testutil

import (
	"testing"
	"time"
)

// WaitTimeout bounds waits on background work in tests.
const WaitTimeout = 5 * time.Second

// WaitClosed fails the test unless ch is closed within WaitTimeout.
func WaitClosed(tb testing.TB, ch <-chan struct{}, what string) {
	tb.Helper()
	select {
	case <-ch:
	case <-time.After(WaitTimeout):
		tb.Fatalf("timed out after %s waiting for %s", WaitTimeout, what)
	}
}

// Recv returns the next value from ch, failing the test after WaitTimeout.
func Recv[T any](tb testing.TB, ch <-chan T, what string) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(WaitTimeout):
		tb.Fatalf("timed out after %s waiting for %s", WaitTimeout, what)
	}
	var zero T
	return zero
}
