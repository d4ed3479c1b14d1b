package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"abuse-shield/internal/util"
)

const (
	defaultBufferSize = 4096
	defaultBatchSize  = 200
	flushInterval     = 2 * time.Second
	sinkWriteTimeout  = 10 * time.Second
)

// Logger is the async audit pipeline. Emit never blocks the request path:
// events queue into a bounded buffer and a background worker flushes batches
// to every sink. Sink failures are logged and swallowed; audit stores being
// down must never turn into denied requests.
type Logger struct {
	sinks     []Sink
	events    chan *Event
	dropped   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewLogger(sinks ...Sink) *Logger {
	l := &Logger{
		sinks:  sinks,
		events: make(chan *Event, defaultBufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Emit queues an event for delivery. When the buffer is full the event is
// dropped and counted rather than blocking the caller.
func (l *Logger) Emit(event *Event) {
	select {
	case l.events <- event:
	default:
		if l.dropped.Add(1)%100 == 1 {
			util.Warn("Audit buffer full, dropping events",
				zap.Int64("dropped_total", l.dropped.Load()))
		}
	}
}

// Dropped reports how many events were lost to a full buffer.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, defaultBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.deliver(batch)
		batch = make([]*Event, 0, defaultBatchSize)
	}

	for {
		select {
		case event := <-l.events:
			batch = append(batch, event)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-l.events:
					batch = append(batch, event)
					if len(batch) >= defaultBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver fans one batch out to all sinks concurrently. Each sink gets the
// whole batch; one sink failing does not stop the others.
func (l *Logger) deliver(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range l.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, batch); err != nil {
				util.Error("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("batch_size", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops the worker after draining the buffer.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}
