package notify

import (
	"testing"

	"go.uber.org/goleak"
)

// mailer calls run in their own goroutine; every one must finish once its
// timeout fires
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
