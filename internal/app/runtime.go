package app

import (
	"os"
	"strconv"
)

const testModeEnv = "KONVEKSI_TEST_MODE"

// InTestMode reports whether binaries should return before touching
// Postgres or Redis.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
}
