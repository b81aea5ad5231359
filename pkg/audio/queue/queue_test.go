package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio/queue"
)

// recordingSender captures every frame with its send time.
type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	times  []time.Time
	fail   bool
}

func (r *recordingSender) SendAudio(_ string, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), payload...))
	r.times = append(r.times, time.Now())
	return !r.fail
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func numberedAudio(frames int) []byte {
	b := make([]byte, frames*queue.DefaultFrameBytes)
	for i := range frames {
		b[i*queue.DefaultFrameBytes] = byte(i)
	}
	return b
}

func TestQueue_PacesFramesInOrder(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{}
	q := queue.New(rec, "10.0.0.1:4000")
	defer q.Close()

	q.AddAudio(numberedAudio(10))
	waitFor(t, "10 frames", func() bool { return rec.count() == 10 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, f := range rec.frames {
		if len(f) != queue.DefaultFrameBytes {
			t.Errorf("frame %d: length %d, want %d", i, len(f), queue.DefaultFrameBytes)
		}
		if f[0] != byte(i) {
			t.Errorf("frame %d out of order (marker %d)", i, f[0])
		}
	}
	if elapsed := rec.times[9].Sub(rec.times[0]); elapsed < 9*queue.DefaultFrameInterval {
		t.Errorf("10 frames sent in %v, want at least %v", elapsed, 9*queue.DefaultFrameInterval)
	}
}

func TestQueue_ClearStopsPendingFrames(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{}
	q := queue.New(rec, "10.0.0.1:4000")
	defer q.Close()

	q.AddAudio(numberedAudio(50))
	q.AddAudio([]byte{1, 2, 3})
	waitFor(t, "first frame", func() bool { return rec.count() >= 2 })

	q.Clear()
	sent := rec.count()
	if st := q.Stats(); st.QueuedFrames != 0 || st.PendingBytes != 0 {
		t.Fatalf("queue not empty after Clear: %+v", st)
	}

	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != sent {
		t.Errorf("%d frames sent after Clear returned", got-sent)
	}
	if got := q.Stats().Clears; got != 1 {
		t.Errorf("clears: got %d, want 1", got)
	}
}

func TestQueue_StreamEndsAfterGrace(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{}
	drained := make(chan struct{}, 1)
	q := queue.New(rec, "10.0.0.1:4000",
		queue.WithStreamGrace(60*time.Millisecond),
		queue.WithOnDrain(func() { drained <- struct{}{} }),
	)
	defer q.Close()

	q.AddAudio(numberedAudio(2))
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never ended")
	}
	if st := q.Stats(); st.Active || st.FramesSent != 2 {
		t.Errorf("after drain: %+v", st)
	}

	// A new burst restarts pacing.
	q.AddAudio(numberedAudio(1))
	waitFor(t, "frame after restart", func() bool { return rec.count() == 3 })
}

func TestQueue_PartialFramePadded(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{}
	q := queue.New(rec, "10.0.0.1:4000")
	defer q.Close()

	q.AddAudio(make([]byte, 100))
	waitFor(t, "padded frame", func() bool { return rec.count() == 1 })

	rec.mu.Lock()
	f := rec.frames[0]
	rec.mu.Unlock()
	if len(f) != queue.DefaultFrameBytes {
		t.Fatalf("frame length: got %d, want %d", len(f), queue.DefaultFrameBytes)
	}
	if f[99] != 0 || f[100] != 0xFF {
		t.Errorf("unexpected padding boundary: f[99]=%#x f[100]=%#x", f[99], f[100])
	}
}

func TestQueue_SoftCapWarnsButKeepsAudio(t *testing.T) {
	t.Parallel()
	var overflowed int
	q := queue.New(queue.SenderFunc(func(string, []byte) bool { return true }), "10.0.0.1:4000",
		queue.WithSoftCap(5),
		queue.WithOnOverflow(func(backlog int) { overflowed = backlog }),
	)
	defer q.Close()

	q.AddAudio(numberedAudio(20))
	st := q.Stats()
	if st.Overflows != 1 {
		t.Errorf("overflows: got %d, want 1", st.Overflows)
	}
	if overflowed != 20 {
		t.Errorf("overflow callback backlog: got %d, want 20", overflowed)
	}
	if st.QueuedFrames < 19 {
		t.Errorf("audio dropped on soft cap: %d frames queued", st.QueuedFrames)
	}
}

func TestQueue_SendFailuresCounted(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{fail: true}
	q := queue.New(rec, "10.0.0.1:4000")
	defer q.Close()

	q.AddAudio(numberedAudio(3))
	waitFor(t, "3 attempts", func() bool { return q.Stats().FramesFailed == 3 })
	if got := q.Stats().FramesSent; got != 0 {
		t.Errorf("frames sent: got %d, want 0", got)
	}
}

func TestQueue_CloseIgnoresFurtherAudio(t *testing.T) {
	t.Parallel()
	rec := &recordingSender{}
	q := queue.New(rec, "10.0.0.1:4000")
	q.Close()
	q.Close()
	q.AddAudio(numberedAudio(3))
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("sent %d frames after Close", rec.count())
	}
}

func TestQueue_CadenceIgnoresSendTime(t *testing.T) {
	t.Parallel()
	const (
		frames   = 50
		interval = 10 * time.Millisecond
	)
	rec := &recordingSender{}
	slow := queue.SenderFunc(func(key string, payload []byte) bool {
		time.Sleep(3 * time.Millisecond)
		return rec.SendAudio(key, payload)
	})
	q := queue.New(slow, "10.0.0.1:4000", queue.WithIntervals(interval, interval))
	defer q.Close()

	q.AddAudio(numberedAudio(frames))
	waitFor(t, "all frames", func() bool { return rec.count() == frames })

	rec.mu.Lock()
	elapsed := rec.times[frames-1].Sub(rec.times[0])
	rec.mu.Unlock()
	// 49 gaps of one interval. Drifting by the send time would add ~150ms.
	want := (frames - 1) * interval
	if elapsed < want-20*time.Millisecond || elapsed > want+60*time.Millisecond {
		t.Errorf("%d frames took %v, want about %v", frames, elapsed, want)
	}
}
