// Package guard forces test mode for binaries exercised from tests.
// Import it blank from a _test.go file before anything reads the flag.
package guard

import (
	"os"
	"sync"
)

const envKey = "STOCKCORE_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(envKey) == "" {
			_ = os.Setenv(envKey, "1")
		}
	})
}
