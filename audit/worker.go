package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Worker buffers events on a channel and drains them to a Sink off the
// request path. A full buffer drops the event rather than blocking.
type Worker struct {
	eventCh chan Event
	sink    Sink
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorker(sink Sink, bufferSize int) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		eventCh: make(chan Event, bufferSize),
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ctx.Done():
				slog.Info("draining audit events before shutdown", "remaining_events", len(w.eventCh))
				for len(w.eventCh) > 0 {
					event := <-w.eventCh
					if err := w.sink.SaveEvent(context.Background(), event); err != nil {
						slog.Error("failed to save audit event during shutdown", "error", err, "event_type", event.Type)
					}
				}
				return
			case event := <-w.eventCh:
				if err := w.sink.SaveEvent(w.ctx, event); err != nil {
					slog.Error("failed to save audit event", "error", err, "event_type", event.Type)
				}
			}
		}
	}()
}

func (w *Worker) Record(event Event) {
	select {
	case w.eventCh <- event:
	default:
		slog.Warn("audit channel full, dropping event", "event_type", event.Type)
	}
}

func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
	close(w.eventCh)
}
