// Package testing prepares the environment for packages that boot parts of
// the application in tests. Import it for its side effects.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		if os.Getenv("JWT_SECRET") == "" {
			_ = os.Setenv("JWT_SECRET", "test-secret-please-change-0123456789")
		}
		if os.Getenv("RBAC_CACHE_TTL") == "" {
			_ = os.Setenv("RBAC_CACHE_TTL", "0")
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain runs m with test mode forced on.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
