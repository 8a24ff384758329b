// Package coalesce batches small writes into fewer, larger messages.
//
// Every read from a local service would otherwise produce a separate Arrow
// envelope. Chatty streams (RTSP interleaved data, HTTP chunked bodies)
// generate many small packets with an 11-byte header each. The Coalescer
// accumulates bytes and flushes when:
//
//   - the deadline expires (measured from the first byte in a batch and
//     not extended by subsequent adds)
//   - the threshold is exceeded (matches the relay read buffer size)
//   - the caller flushes explicitly at session or connection boundaries
package coalesce

import "time"

const (
	// DefaultDelay is the coalescing deadline from first byte in batch.
	DefaultDelay = 2 * time.Millisecond

	// DefaultThreshold triggers an immediate flush when exceeded. It
	// matches the relay read buffer size.
	DefaultThreshold = 32 * 1024
)

// Coalescer accumulates bytes and flushes on deadline or threshold.
// All methods are used from a single goroutine (the session loop).
type Coalescer struct {
	delay     time.Duration
	threshold int
	buf       []byte
	timer     *time.Timer
	armed     bool // true when timer is running
}

// New creates a Coalescer. Zero delay or threshold selects the default.
func New(delay time.Duration, threshold int) *Coalescer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	t := time.NewTimer(0)
	// Drain the initial fire from NewTimer(0) so Timer() starts clean
	if !t.Stop() {
		<-t.C
	}
	return &Coalescer{
		delay:     delay,
		threshold: threshold,
		buf:       make([]byte, 0, threshold+4096),
		timer:     t,
	}
}

// Add appends data to the buffer. Returns true if the threshold was hit
// and the caller should flush immediately.
//
// Arms the deadline timer on the first byte in a batch (when buffer was
// empty). Subsequent adds do NOT reset the timer.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	// Arm timer on first byte in batch
	if len(c.buf) == 0 && !c.armed {
		c.timer.Reset(c.delay)
		c.armed = true
	}

	c.buf = append(c.buf, data...)
	return len(c.buf) >= c.threshold
}

// Flush returns the accumulated data and resets the buffer.
// Returns nil if the buffer is empty. The returned slice is a copy
// that the caller owns.
func (c *Coalescer) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}

	if c.armed {
		if !c.timer.Stop() {
			// Timer already fired; drain the channel so it cannot
			// trigger a spurious select case later.
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}

	// Return a copy so caller owns the data
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

// Timer returns the channel that fires when the coalescing deadline expires.
// Use this in a select statement:
//
//	case <-coal.Timer():
//	    data := coal.Flush()
//	    // send data
//
// Returns a nil channel when no deadline is active (nil channels block
// forever in select, effectively disabling the case).
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer. Call in defer when done with the Coalescer.
func (c *Coalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}
