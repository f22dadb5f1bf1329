package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// Sink receives every insert, in seq order per kind, from its own worker.
// A slow sink only delays itself. Deliver should retry transient failures
// itself; an error it returns is logged and the event is skipped.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

type sinkWorker struct {
	sink Sink
	wake chan struct{}
}

func newSinkWorker(s Sink) *sinkWorker {
	return &sinkWorker{sink: s, wake: make(chan struct{}, 1)}
}

func (w *sinkWorker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run keeps a cursor per kind, starting where the notifier started, and
// delivers everything after it.
func (w *sinkWorker) run(ctx context.Context, n *Notifier, start map[model.Kind]int64) {
	cursors := make(map[model.Kind]int64, len(start))
	for k, v := range start {
		cursors[k] = v
	}
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		for _, k := range kinds {
			cursors[k] = n.drain(ctx, k, cursors[k], func(e Event) {
				err := w.sink.Deliver(ctx, e)
				n.metrics.SinkDelivered(w.sink.Name(), err)
				if err != nil && ctx.Err() == nil {
					n.logger.Error("sink delivery failed",
						zap.String("sink", w.sink.Name()),
						zap.String("kind", string(e.Kind)),
						zap.Int64("seq", e.Seq),
						zap.String("id", e.ID.String()),
						zap.Error(err),
					)
				}
			})
		}
	}
}
