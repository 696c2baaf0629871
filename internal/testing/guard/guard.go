// Package guard is imported for side effects by tests that build the whole
// stack. It forces test mode and the memory store unless a test overrides them.
package guard

import "os"

func init() {
	setDefault("STOCKLEDGER_TEST_MODE", "1")
	setDefault("STORE_DRIVER", "memory")
	setDefault("LOG_LEVEL", "warn")
}

func setDefault(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		_ = os.Setenv(key, value)
	}
}
