package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/bridge"
)

const (
	defaultSinkBuffer    = 256
	defaultHandleTimeout = 10 * time.Second
)

// Fanout delivers every event to each registered sink in order, one
// goroutine per sink.
type Fanout struct {
	sinks   []Sink
	buffer  int
	timeout time.Duration
	log     *slog.Logger
}

// NewFanout returns a Fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:   sinks,
		buffer:  defaultSinkBuffer,
		timeout: defaultHandleTimeout,
		log:     slog.Default(),
	}
}

// Sinks returns the registered sinks.
func (f *Fanout) Sinks() []Sink { return f.sinks }

// Run consumes events until the channel is closed, then waits for every
// sink to finish its backlog. A sink whose backlog is full loses the event;
// other sinks are unaffected. Cancelling ctx aborts in-flight deliveries.
func (f *Fanout) Run(ctx context.Context, events <-chan bridge.Event) {
	queues := make([]chan bridge.Event, len(f.sinks))
	var wg sync.WaitGroup
	for i, s := range f.sinks {
		q := make(chan bridge.Event, f.buffer)
		queues[i] = q
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range q {
				f.deliver(ctx, s, ev)
			}
		}()
	}

	for ev := range events {
		for i, q := range queues {
			select {
			case q <- ev:
			default:
				f.log.Warn("sink backlog full, event dropped",
					"sink", f.sinks[i].Name(),
					"type", ev.Type,
					"client_key", ev.ClientKey,
				)
			}
		}
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()
}

func (f *Fanout) deliver(ctx context.Context, s Sink, ev bridge.Event) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := s.Handle(ctx, ev); err != nil {
		f.log.Warn("sink delivery failed",
			"sink", s.Name(),
			"type", ev.Type,
			"client_key", ev.ClientKey,
			"err", err,
		)
	}
}
