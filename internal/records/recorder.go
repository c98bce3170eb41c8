package records

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// Sink stores a completed pour.
type Sink interface {
	SavePourRecord(ctx context.Context, rec machine.PourRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec machine.PourRecord) error

func (f SinkFunc) SavePourRecord(ctx context.Context, rec machine.PourRecord) error {
	return f(ctx, rec)
}

// Recorder decouples the fill controller from slow storage: Record only
// enqueues, Run writes to every sink in order.
type Recorder struct {
	sinks  map[string]Sink
	order  []string
	queue  chan machine.PourRecord
	logger *zap.Logger
}

func NewRecorder(buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{
		sinks:  make(map[string]Sink),
		queue:  make(chan machine.PourRecord, buffer),
		logger: logger,
	}
}

// Add registers a sink. Must be called before Run.
func (r *Recorder) Add(name string, s Sink) {
	if _, ok := r.sinks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.sinks[name] = s
}

// Record enqueues rec. It never blocks; a full queue drops the record.
func (r *Recorder) Record(rec machine.PourRecord) bool {
	select {
	case r.queue <- rec:
		return true
	default:
		r.logger.Error("Pour record queue full, record dropped",
			zap.String("id", rec.ID.String()),
			zap.String("batch", rec.Batch))
		return false
	}
}

// Run writes records until ctx is done, then flushes what is queued.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case rec := <-r.queue:
			r.write(ctx, rec)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec machine.PourRecord) {
	for _, name := range r.order {
		if err := r.sinks[name].SavePourRecord(ctx, rec); err != nil {
			r.logger.Error("Failed to save pour record",
				zap.String("sink", name),
				zap.String("id", rec.ID.String()),
				zap.Error(err))
		}
	}
}
