package log

import (
	"io"
	"log"
	"strings"
	"sync"

	"github.com/datawire/dlib/dlog"
)

// Entry is one record captured by a Capture logger.
type Entry struct {
	Level   dlog.LogLevel
	Message string
}

// Capture is a dlog.Logger that records every message so that tests can
// assert on emitted diagnostics. It is safe for concurrent use.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
}

func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) Helper() {}

func (c *Capture) WithField(_ string, _ interface{}) dlog.Logger {
	return c
}

func (c *Capture) StdLogger(_ dlog.LogLevel) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (c *Capture) Log(level dlog.LogLevel, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Level: level, Message: msg})
}

// Entries returns a copy of everything logged so far.
func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	es := make([]Entry, len(c.entries))
	copy(es, c.entries)
	return es
}

// Contains reports whether a message logged at the given level contains the
// given substring.
func (c *Capture) Contains(level dlog.LogLevel, substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
