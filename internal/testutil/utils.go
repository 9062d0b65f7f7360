package testutil

import (
	"log"
	"testing"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// TestLogger routes service logs through the test's own output so log
// lines interleave with the failures they explain.
func TestLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t: t}, "", 0)
}
