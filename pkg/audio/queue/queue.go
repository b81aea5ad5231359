// Package queue paces synthesized audio onto the RTP leg at the real-time
// frame rate of the telephony codec.
//
// Backend audio arrives in bursts far faster than real time. The [Queue]
// slices it into fixed 20 ms µ-law frames and sends one per tick so the far
// end's jitter buffer never overflows. When the backlog grows past a high
// water mark the tick shortens slightly to catch up.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

const (
	DefaultFrameBytes    = audio.MulawFrameBytes
	DefaultFrameInterval = audio.FrameDuration
	DefaultFastInterval  = 18 * time.Millisecond
	DefaultHighWater     = 500
	DefaultSoftCap       = 3000
	DefaultStreamGrace   = 500 * time.Millisecond
)

// Sender transmits one frame to a client. It reports whether the frame left
// the socket.
type Sender interface {
	SendAudio(clientKey string, payload []byte) bool
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(clientKey string, payload []byte) bool

func (f SenderFunc) SendAudio(clientKey string, payload []byte) bool { return f(clientKey, payload) }

// Stats is a point-in-time snapshot of a [Queue].
type Stats struct {
	QueuedFrames int
	PendingBytes int
	FramesSent   uint64
	FramesFailed uint64
	Overflows    uint64
	Clears       uint64
	Active       bool
	Interval     time.Duration
}

// Option configures a [Queue].
type Option func(*Queue)

// WithFrameBytes sets the frame size in bytes.
func WithFrameBytes(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.frameBytes = n
		}
	}
}

// WithIntervals sets the nominal and catch-up tick intervals.
func WithIntervals(nominal, fast time.Duration) Option {
	return func(q *Queue) {
		if nominal > 0 {
			q.interval = nominal
		}
		if fast > 0 {
			q.fastInterval = fast
		}
	}
}

// WithHighWater sets the backlog (in frames) above which the catch-up
// interval is used.
func WithHighWater(frames int) Option {
	return func(q *Queue) {
		if frames > 0 {
			q.highWater = frames
		}
	}
}

// WithSoftCap sets the backlog (in frames) above which a capacity warning is
// logged. Audio is never dropped because of it.
func WithSoftCap(frames int) Option {
	return func(q *Queue) {
		if frames > 0 {
			q.softCap = frames
		}
	}
}

// WithStreamGrace sets how long an empty queue waits for more audio before
// the pacing loop stops.
func WithStreamGrace(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.grace = d
		}
	}
}

// WithOnDrain registers a callback invoked on the pacing goroutine when a
// stream ends because the grace period elapsed with nothing to send. It runs
// with the queue's lock held and must not call back into the Queue.
func WithOnDrain(fn func()) Option {
	return func(q *Queue) { q.onDrain = fn }
}

// WithOnOverflow registers a callback invoked whenever the soft cap is
// crossed.
func WithOnOverflow(fn func(backlog int)) Option {
	return func(q *Queue) { q.onOverflow = fn }
}

// WithLogger sets the logger used for capacity warnings.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// Queue is a per-call outbound frame queue with its own pacing goroutine.
// All exported methods are safe for concurrent use.
type Queue struct {
	sender    Sender
	clientKey string

	frameBytes   int
	interval     time.Duration
	fastInterval time.Duration
	highWater    int
	softCap      int
	grace        time.Duration
	onDrain      func()
	onOverflow   func(int)
	log          *slog.Logger

	// sendMu is held across dequeue and send so that Clear can wait for an
	// in-flight frame.
	sendMu sync.Mutex

	mu           sync.Mutex
	frames       [][]byte
	pending      []byte
	lastAdd      time.Time
	running      bool
	closed       bool
	overCap      bool
	current      time.Duration
	framesSent   uint64
	framesFailed uint64
	overflows    uint64
	clears       uint64

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a Queue that sends frames for clientKey through sender.
func New(sender Sender, clientKey string, opts ...Option) *Queue {
	q := &Queue{
		sender:       sender,
		clientKey:    clientKey,
		frameBytes:   DefaultFrameBytes,
		interval:     DefaultFrameInterval,
		fastInterval: DefaultFastInterval,
		highWater:    DefaultHighWater,
		softCap:      DefaultSoftCap,
		grace:        DefaultStreamGrace,
		log:          slog.Default(),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.current = q.interval
	return q
}

// AddAudio appends µ-law bytes to the queue and starts the pacing loop if it
// is idle. Data is copied.
func (q *Queue) AddAudio(b []byte) {
	if len(b) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, b...)
	for len(q.pending) >= q.frameBytes {
		frame := make([]byte, q.frameBytes)
		copy(frame, q.pending)
		q.frames = append(q.frames, frame)
		q.pending = q.pending[q.frameBytes:]
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	q.lastAdd = time.Now()

	backlog := len(q.frames)
	crossed := false
	if backlog > q.softCap {
		if !q.overCap {
			q.overCap = true
			q.overflows++
			crossed = true
		}
	} else {
		q.overCap = false
	}

	start := !q.running
	q.running = true
	q.mu.Unlock()

	if crossed {
		q.log.Warn("audio queue near capacity", "client_key", q.clientKey, "frames", backlog, "soft_cap", q.softCap)
		if q.onOverflow != nil {
			q.onOverflow(backlog)
		}
	}
	if start {
		go q.run()
	}
}

// Clear discards every queued frame and any partial frame. When Clear returns
// no previously added audio will be sent.
func (q *Queue) Clear() {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
	q.pending = nil
	q.overCap = false
	q.clears++
}

// Close clears the queue and stops the pacing loop. Further AddAudio calls
// are ignored. Close is idempotent.
func (q *Queue) Close() {
	q.sendMu.Lock()
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.pending = nil
	q.mu.Unlock()
	q.sendMu.Unlock()
	q.doneOnce.Do(func() { close(q.done) })
}

// Len returns the number of complete frames waiting to be sent.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueuedFrames: len(q.frames),
		PendingBytes: len(q.pending),
		FramesSent:   q.framesSent,
		FramesFailed: q.framesFailed,
		Overflows:    q.overflows,
		Clears:       q.clears,
		Active:       q.running,
		Interval:     q.current,
	}
}

// run is the pacing loop. It sends at most one frame per tick. Ticks are
// scheduled against a deadline that advances by the current interval, so
// send time and timer latency do not accumulate. The deadline is re-anchored
// to the clock when the loop falls more than one interval behind.
func (q *Queue) run() {
	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-timer.C:
		}

		q.sendMu.Lock()
		frame, delay, stop := q.tick(time.Now())
		if frame != nil {
			ok := q.sender.SendAudio(q.clientKey, frame)
			q.mu.Lock()
			if ok {
				q.framesSent++
			} else {
				q.framesFailed++
			}
			q.mu.Unlock()
		}
		q.sendMu.Unlock()

		if stop {
			return
		}
		next = nextDeadline(next, delay, time.Now())
		timer.Reset(time.Until(next))
	}
}

// nextDeadline advances prev by interval, or restarts from now when prev has
// fallen more than one interval behind.
func nextDeadline(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if now.Sub(next) > interval {
		return now.Add(interval)
	}
	return next
}

// tick decides what the loop does at now: the frame to send (if any), the
// delay until the next tick, and whether the stream has ended.
func (q *Queue) tick(now time.Time) (frame []byte, delay time.Duration, stop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.running = false
		return nil, q.interval, false
	}

	idle := now.Sub(q.lastAdd)
	switch {
	case len(q.frames) > 0:
		frame = q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		if len(q.frames) == 0 {
			q.frames = nil
		}
	case len(q.pending) > 0 && idle >= q.interval:
		frame = audio.MulawSilenceFrame(q.frameBytes)
		copy(frame, q.pending)
		q.pending = nil
	case len(q.pending) == 0 && idle >= q.grace:
		q.running = false
		q.current = q.interval
		// Under q.mu so an AddAudio restarting playback is ordered after it.
		if q.onDrain != nil {
			q.onDrain()
		}
		return nil, 0, true
	}

	q.current = nextInterval(len(q.frames), q.current, q.highWater, q.interval, q.fastInterval)
	return frame, q.current, false
}

// nextInterval applies the catch-up rule: fast while the backlog is above
// highWater, nominal once it drops below, unchanged exactly at the mark.
func nextInterval(backlog int, current time.Duration, highWater int, nominal, fast time.Duration) time.Duration {
	switch {
	case backlog > highWater:
		return fast
	case backlog < highWater:
		return nominal
	default:
		return current
	}
}
