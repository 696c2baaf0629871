package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv is set by the test guard so binaries linked into tests skip
// opening listeners and store connections.
const TestModeEnv = "STOCKLEDGER_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
})

// InTestMode reports whether the process runs under the test guard.
func InTestMode() bool {
	return testMode()
}
