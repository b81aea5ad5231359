package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/bridge"
)

// Record is one line of the file sink: the event plus the time it was
// written.
type Record struct {
	Written time.Time `json:"written"`
	bridge.Event
}

// File appends events as JSON lines to a local file, one object per line.
// Suitable as a billing ledger on a single host; the file is opened per
// write so external log rotation works without a signal.
type File struct {
	mu     sync.Mutex
	path   string
	accept func(bridge.EventType) bool
	now    func() time.Time
}

var _ Sink = (*File)(nil)

// NewFile returns a file sink writing to path. A nil accept keeps every
// event. The file is created on first write.
func NewFile(path string, accept func(bridge.EventType) bool) *File {
	if accept == nil {
		accept = func(bridge.EventType) bool { return true }
	}
	return &File{path: path, accept: accept, now: time.Now}
}

// Name implements Sink.
func (f *File) Name() string { return "file" }

// Handle implements Sink.
func (f *File) Handle(_ context.Context, ev bridge.Event) error {
	if !f.accept(ev.Type) {
		return nil
	}
	data, err := json.Marshal(Record{Written: f.now().UTC(), Event: ev})
	if err != nil {
		return fmt.Errorf("sink: file: marshal: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: file: open: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("sink: file: write: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("sink: file: close: %w", err)
	}
	return nil
}
