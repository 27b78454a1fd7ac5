package http

import (
	"os"
	"testing"

	"github.com/x402-foundation/gasless-relay/pkg/log"
)

func TestMain(m *testing.M) {
	log.Disable()
	os.Exit(m.Run())
}
