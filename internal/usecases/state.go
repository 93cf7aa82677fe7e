package usecases

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/metrics"
)

// BatchState is the lifecycle position of one batch.
type BatchState int

const (
	StateIdle BatchState = iota
	StateListing
	StateProcessing
	StateDraining
	StateComplete
	StateError
)

func (s BatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListing:
		return "listing"
	case StateProcessing:
		return "processing"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var transitions = map[BatchState][]BatchState{
	StateIdle:       {StateListing, StateProcessing},
	StateListing:    {StateProcessing, StateComplete, StateError},
	StateProcessing: {StateDraining, StateError},
	StateDraining:   {StateComplete},
}

// batch carries the state and running counters of one run.
type batch struct {
	id      string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         BatchState
	total         int
	processed     int
	failed        int
	failedRecords []string
}

func newBatch(id string, logger *zap.Logger, m *metrics.Metrics) *batch {
	return &batch{
		id:      id,
		logger:  logger.With(zap.String("batch_id", id)),
		metrics: m,
		state:   StateIdle,
	}
}

// transition moves the batch to the next state, rejecting illegal moves.
func (b *batch) transition(to BatchState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, allowed := range transitions[b.state] {
		if allowed == to {
			b.logger.Debug("batch state changed",
				zap.Stringer("from", b.state),
				zap.Stringer("to", to),
			)
			b.state = to
			b.metrics.ObserveBatchState(to.String())
			return nil
		}
	}
	err := fmt.Errorf("illegal batch transition %s -> %s", b.state, to)
	b.logger.Error("rejected batch transition", zap.Error(err))
	return err
}

func (b *batch) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// record folds one outcome into the counters and stamps the aggregate on it.
func (b *batch) record(o domain.Outcome) domain.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Status == domain.OutcomeSuccess {
		b.processed++
	} else {
		b.failed++
		b.failedRecords = append(b.failedRecords, o.RecordID)
	}
	o.Processed = b.processed
	o.Failed = b.failed
	o.Total = b.total
	return o
}

func (b *batch) summary() domain.BatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := make([]string, len(b.failedRecords))
	copy(failed, b.failedRecords)
	return domain.BatchSummary{
		Total:         b.total,
		Processed:     b.processed,
		Failed:        b.failed,
		FailedRecords: failed,
	}
}
