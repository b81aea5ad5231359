package queue

import (
	"testing"
	"time"
)

func TestNextInterval(t *testing.T) {
	t.Parallel()
	const (
		nominal = 20 * time.Millisecond
		fast    = 18 * time.Millisecond
	)
	tests := []struct {
		name    string
		backlog int
		current time.Duration
		want    time.Duration
	}{
		{"idle backlog", 0, nominal, nominal},
		{"below mark", 499, fast, nominal},
		{"at mark keeps nominal", 500, nominal, nominal},
		{"at mark keeps fast", 500, fast, fast},
		{"above mark", 501, nominal, fast},
		{"deep backlog", 600, nominal, fast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := nextInterval(tt.backlog, tt.current, 500, nominal, fast); got != tt.want {
				t.Errorf("nextInterval(%d, %v) = %v, want %v", tt.backlog, tt.current, got, tt.want)
			}
		})
	}
}

// TestTick_BacklogSwitchesInterval drains a 600-frame backlog through tick
// without the pacing goroutine and checks the interval follows the backlog.
func TestTick_BacklogSwitchesInterval(t *testing.T) {
	t.Parallel()
	q := New(SenderFunc(func(string, []byte) bool { return true }), "k")
	q.mu.Lock()
	for range 600 {
		q.frames = append(q.frames, make([]byte, DefaultFrameBytes))
	}
	q.lastAdd = time.Now()
	q.running = true
	q.mu.Unlock()

	now := time.Now()
	sawFast := false
	for i := range 600 {
		frame, delay, stop := q.tick(now)
		if stop || frame == nil {
			t.Fatalf("tick %d: no frame (stop=%v)", i, stop)
		}
		remaining := 600 - i - 1
		switch {
		case remaining > DefaultHighWater:
			sawFast = true
			if delay != DefaultFastInterval {
				t.Fatalf("tick %d (%d left): delay %v, want %v", i, remaining, delay, DefaultFastInterval)
			}
		case remaining < DefaultHighWater:
			if delay != DefaultFrameInterval {
				t.Fatalf("tick %d (%d left): delay %v, want %v", i, remaining, delay, DefaultFrameInterval)
			}
		}
	}
	if !sawFast {
		t.Error("never used the fast interval")
	}
}

func TestTick_PadsPartialFrameAfterInterval(t *testing.T) {
	t.Parallel()
	q := New(SenderFunc(func(string, []byte) bool { return true }), "k")
	start := time.Now()
	q.mu.Lock()
	q.pending = []byte{1, 2, 3}
	q.lastAdd = start
	q.mu.Unlock()

	if frame, _, stop := q.tick(start.Add(5 * time.Millisecond)); frame != nil || stop {
		t.Fatalf("partial frame flushed too early (frame=%v stop=%v)", frame != nil, stop)
	}
	frame, _, _ := q.tick(start.Add(DefaultFrameInterval))
	if len(frame) != DefaultFrameBytes {
		t.Fatalf("frame length: got %d, want %d", len(frame), DefaultFrameBytes)
	}
	if frame[0] != 1 || frame[2] != 3 || frame[3] != 0xFF || frame[DefaultFrameBytes-1] != 0xFF {
		t.Errorf("frame not padded with silence: % x...", frame[:5])
	}
	if _, _, stop := q.tick(start.Add(DefaultStreamGrace)); !stop {
		t.Error("expected stream end after the grace period")
	}
}

func TestNextDeadline(t *testing.T) {
	t.Parallel()
	const interval = 20 * time.Millisecond
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// A slow send does not push the schedule back.
	if got := nextDeadline(base, interval, base.Add(3*time.Millisecond)); !got.Equal(base.Add(interval)) {
		t.Errorf("on time: next = %v, want %v", got.Sub(base), interval)
	}
	// Up to one interval late still keeps the cadence and catches up.
	if got := nextDeadline(base, interval, base.Add(2*interval)); !got.Equal(base.Add(interval)) {
		t.Errorf("one interval late: next = %v, want %v", got.Sub(base), interval)
	}
	// Further behind re-anchors instead of bursting.
	now := base.Add(5 * interval)
	if got := nextDeadline(base, interval, now); !got.Equal(now.Add(interval)) {
		t.Errorf("far behind: next = %v, want %v", got.Sub(base), 6*interval)
	}
}

func TestTick_DrainCallbackHoldsLock(t *testing.T) {
	t.Parallel()
	var locked, called bool
	var q *Queue
	q = New(SenderFunc(func(string, []byte) bool { return true }), "k", WithOnDrain(func() {
		called = true
		if q.mu.TryLock() {
			q.mu.Unlock()
			return
		}
		locked = true
	}))
	start := time.Now()
	q.mu.Lock()
	q.lastAdd = start
	q.running = true
	q.mu.Unlock()

	if _, _, stop := q.tick(start.Add(DefaultStreamGrace)); !stop {
		t.Fatal("expected stream end after the grace period")
	}
	if !called || !locked {
		t.Errorf("drain callback called = %v, under lock = %v", called, locked)
	}
}
