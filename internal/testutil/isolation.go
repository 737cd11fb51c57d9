// Package testutil holds helpers shared by the host's tests.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// Isolate unsets every environment variable starting with prefix for the
// duration of the test and restores them in a t.Cleanup. Use it at the top of
// tests that load configuration from the environment, e.g.
// testutil.Isolate(t, "MODHOST_"). Tests calling it must not run in parallel.
func Isolate(t testing.TB, prefix string) {
	t.Helper()

	snapshot := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, prefix) {
			snapshot[key] = value
			_ = os.Unsetenv(key)
		}
	}

	t.Cleanup(func() {
		for _, kv := range os.Environ() {
			key, _, _ := strings.Cut(kv, "=")
			if strings.HasPrefix(key, prefix) {
				_ = os.Unsetenv(key)
			}
		}
		for k, v := range snapshot {
			_ = os.Setenv(k, v)
		}
	})
}
