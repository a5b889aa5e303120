// Package testutil holds small helpers shared across package tests.
package testutil

import (
	"testing"
	"time"
)

// WaitFor polls cond until it returns true or the timeout elapses, failing
// the test on timeout.
func WaitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, msg)
}
