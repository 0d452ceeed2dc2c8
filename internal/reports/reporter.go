package reports

import (
	"context"

	"go.uber.org/zap"

	"indexerGateway/internal/model"
)

// Sink consumes query outcome events. Implementations are the seam to
// telemetry collaborators; the core neither formats nor transports beyond
// this interface.
type Sink interface {
	Report(ctx context.Context, outcome model.QueryOutcome) error
}

// Reporter decouples the dispatch hot path from outcome delivery: Submit
// never blocks, and a background loop drains the buffer into the sink.
type Reporter struct {
	sink   Sink
	logger *zap.Logger
	ch     chan model.QueryOutcome
	done   chan struct{}
}

func NewReporter(sink Sink, buffer int, logger *zap.Logger) *Reporter {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		sink:   sink,
		logger: logger,
		ch:     make(chan model.QueryOutcome, buffer),
		done:   make(chan struct{}),
	}
}

// Submit enqueues an outcome without blocking. When the buffer is full the
// event is dropped and logged; losing a report must never stall a query.
func (r *Reporter) Submit(outcome model.QueryOutcome) {
	select {
	case r.ch <- outcome:
	default:
		r.logger.Warn("outcome buffer full, dropping report",
			zap.String("query_id", outcome.QueryID),
			zap.String("result", outcome.Result),
		)
	}
}

// Run drains outcomes into the sink until the context is cancelled, then
// flushes whatever is still buffered.
func (r *Reporter) Run(ctx context.Context) error {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		case outcome := <-r.ch:
			r.deliver(outcome)
		}
	}
}

// Wait blocks until Run has returned.
func (r *Reporter) Wait() {
	<-r.done
}

func (r *Reporter) flush() {
	for {
		select {
		case outcome := <-r.ch:
			r.deliver(outcome)
		default:
			return
		}
	}
}

func (r *Reporter) deliver(outcome model.QueryOutcome) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Report(context.Background(), outcome); err != nil {
		r.logger.Error("report outcome failed", zap.String("query_id", outcome.QueryID), zap.Error(err))
	}
}
