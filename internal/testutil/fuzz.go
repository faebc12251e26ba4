package testutil

import (
	"bytes"
	"testing"
	"time"
)

const (
	MaxFuzzInput = 1 << 16
	FuzzBudget   = 100 * time.Millisecond
)

// Bounded runs fn on data trimmed to MaxFuzzInput and fails t when fn
// does not return within FuzzBudget.
func Bounded(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	if len(data) > MaxFuzzInput {
		data = data[:MaxFuzzInput]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	select {
	case <-done:
	case <-time.After(FuzzBudget):
		t.Fatalf("fuzz case exceeded %s", FuzzBudget)
	}
}

// SplitFrames turns fuzz input into message frames, one per 0x00
// separator. Empty frames are kept so route delimiters can appear.
func SplitFrames(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	return bytes.Split(data, []byte{0})
}
