package queue

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture collects processing output (stdout+stderr combined) keeping
// the last N lines in a circular buffer. Safe for concurrent writes.
type OutputCapture struct {
	max   int
	lines []string
	mu    sync.Mutex
}

// NewOutputCapture creates io.Writer capturing output limited to last max lines
func NewOutputCapture(maximum int) *OutputCapture {
	return &OutputCapture{max: maximum}
}

// Write satisfies io.Writer interface, keeps last N lines only
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.max == 0 {
		return len(p), nil // capture disabled
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(o.lines) >= o.max {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// GetOutput returns the captured tail as a single string
func (o *OutputCapture) GetOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}
