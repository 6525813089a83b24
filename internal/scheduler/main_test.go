package scheduler

import (
	"testing"

	"go.uber.org/goleak"
)

// Every test stops what it starts; a cron loop or timer left running fails
// the package.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
