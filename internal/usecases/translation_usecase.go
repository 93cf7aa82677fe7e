package usecases

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/eligibility"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/lister"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/metrics"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/processor"
)

// ErrProcessingFailed wraps the stage error of a single-record run.
var ErrProcessingFailed = errors.New("processing failed")

// RecordRunner runs the whole pipeline for a record.
type RecordRunner interface {
	Run(ctx context.Context, record *domain.Record) error
}

// Stager owns the local scratch directories.
type Stager interface {
	EnsureDirs() error
	Cleanup(recordIDs ...string) error
}

// Dependencies groups what the use case is built from.
type Dependencies struct {
	Store   domain.RecordStore
	Lister  *lister.Lister
	Filter  *eligibility.Filter
	Runner  RecordRunner
	Pool    *processor.WorkerPool
	Leases  domain.LeaseTable
	Staging Stager
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// MaxConcurrentBatches bounds how many batches may run at once.
	MaxConcurrentBatches int
}

// TranslationUsecase orchestrates batches and single-record runs on the
// shared worker pool.
type TranslationUsecase struct {
	store   domain.RecordStore
	lister  *lister.Lister
	filter  *eligibility.Filter
	runner  RecordRunner
	pool    *processor.WorkerPool
	leases  domain.LeaseTable
	staging Stager
	logger  *zap.Logger
	metrics *metrics.Metrics

	batches *batchGate

	// batches whose client went away keep draining here
	wg sync.WaitGroup
}

func NewTranslationUsecase(deps Dependencies) *TranslationUsecase {
	return &TranslationUsecase{
		store:   deps.Store,
		lister:  deps.Lister,
		filter:  deps.Filter,
		runner:  deps.Runner,
		pool:    deps.Pool,
		leases:  deps.Leases,
		staging: deps.Staging,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		batches: newBatchGate(deps.MaxConcurrentBatches),
	}
}

// TranslateAll lists every eligible record and processes them, returning
// once all of them are done. Only a listing failure is returned as an error.
func (u *TranslationUsecase) TranslateAll(ctx context.Context) (domain.BatchSummary, error) {
	if err := u.staging.EnsureDirs(); err != nil {
		return domain.BatchSummary{}, fmt.Errorf("prepare staging: %w", err)
	}
	if err := u.batches.enter(ctx); err != nil {
		return domain.BatchSummary{}, err
	}
	defer u.batches.leave()

	b := newBatch(uuid.NewString(), u.logger, u.metrics)
	_ = b.transition(StateListing)
	b.logger.Info("starting translation of all eligible records")

	records, err := u.lister.ListAll(ctx)
	if err != nil {
		_ = b.transition(StateError)
		return domain.BatchSummary{}, fmt.Errorf("list eligible records: %w", err)
	}

	summary := u.process(ctx, b, records, nil)
	b.logger.Info("translation complete",
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// RunBlocking processes the given records and waits for all of them.
// Per-record failures are counted, never returned.
func (u *TranslationUsecase) RunBlocking(ctx context.Context, records []*domain.Record) domain.BatchSummary {
	b := newBatch(uuid.NewString(), u.logger, u.metrics)
	return u.process(ctx, b, records, nil)
}

// RunStreaming drives a streamed listing followed by processing and yields
// every progress event as it happens. Outcomes come in completion order.
// If the consumer stops, listing stops too; records already handed to the
// pool still finish in the background.
func (u *TranslationUsecase) RunStreaming(ctx context.Context) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		if err := u.staging.EnsureDirs(); err != nil {
			yield(domain.NewErrorEvent(err.Error()))
			return
		}
		if err := u.batches.enter(ctx); err != nil {
			yield(domain.NewErrorEvent(err.Error()))
			return
		}
		handedOff := false
		defer func() {
			if !handedOff {
				u.batches.leave()
			}
		}()

		b := newBatch(uuid.NewString(), u.logger, u.metrics)
		_ = b.transition(StateListing)

		if !yield(domain.NewPaginationStartEvent()) {
			return
		}

		var records []*domain.Record
		for ev, err := range u.lister.Stream(ctx) {
			if err != nil {
				_ = b.transition(StateError)
				b.logger.Error("streaming listing failed", zap.Error(err))
				yield(domain.NewErrorEvent(err.Error()))
				return
			}
			switch ev.Kind {
			case domain.PageLoaded:
				if !yield(domain.NewPageLoadedEvent(ev.Page)) {
					b.logger.Info("client went away during listing")
					return
				}
			case domain.RecordsReady:
				records = ev.Records
				if !yield(domain.NewRecordsReadyEvent(len(records), ev.TotalPages)) {
					return
				}
			}
		}

		if len(records) == 0 {
			_ = b.transition(StateComplete)
			yield(domain.NewErrorEvent(domain.MsgNoEligibleRecords))
			return
		}
		if !yield(domain.NewProcessingStartEvent(len(records))) {
			return
		}

		outcomes := make(chan domain.Outcome, len(records))
		done := make(chan domain.BatchSummary, 1)
		handedOff = true
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			defer u.batches.leave()
			done <- u.process(context.WithoutCancel(ctx), b, records, outcomes)
			close(outcomes)
		}()

		for {
			select {
			case o, ok := <-outcomes:
				if !ok {
					yield(domain.NewCompleteEvent(<-done))
					return
				}
				if !yield(domain.NewProgressEvent(o)) {
					b.logger.Warn("client went away, batch keeps running")
					return
				}
			case <-ctx.Done():
				b.logger.Warn("client went away, batch keeps running", zap.Error(ctx.Err()))
				return
			}
		}
	}
}

// TranslateRecord processes one explicitly named record after checking the
// single-record guard.
func (u *TranslationUsecase) TranslateRecord(ctx context.Context, id string) (*domain.Record, error) {
	if err := u.staging.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare staging: %w", err)
	}

	record, err := u.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := u.filter.CheckSingle(record); err != nil {
		return record, err
	}

	owner := "record-" + uuid.NewString()
	if !u.leases.Acquire(ctx, record.ID, owner) {
		return record, domain.Errorf(domain.KindInFlight, "usecases.TranslateRecord", record.ID,
			"Record %s is already being processed", record.ID)
	}

	log := u.logger.With(zap.String("record_id", record.ID))
	log.Info("starting translation for record")

	results := make(chan processor.Result, 1)
	err = u.pool.Submit(ctx, processor.Task{
		ID: record.ID,
		Run: func(runCtx context.Context) error {
			defer u.leases.Release(context.Background(), record.ID, owner)
			defer u.cleanup(log, record.ID)
			return u.runner.Run(runCtx, record)
		},
	}, results)
	if err != nil {
		u.leases.Release(ctx, record.ID, owner)
		return record, fmt.Errorf("submit record: %w", err)
	}

	select {
	case r := <-results:
		u.metrics.ObserveRecord(string(outcomeStatus(r)))
		if r.Err != nil {
			log.Warn("record processing failed", zap.Error(r.Err))
			return record, fmt.Errorf("%w: %w", ErrProcessingFailed, r.Err)
		}
		log.Info("record processed successfully", zap.Duration("duration", r.Duration))
		return record, nil
	case <-ctx.Done():
		// the task keeps running and releases its own lease
		return record, ctx.Err()
	}
}

// process is the core shared by every batch mode: claim, submit, collect
// in completion order. Each task removes its own staged files before
// giving up its claim. outcomes may be nil.
func (u *TranslationUsecase) process(ctx context.Context, b *batch, records []*domain.Record, outcomes chan<- domain.Outcome) domain.BatchSummary {
	records = uniqueByID(b.logger, records)

	b.mu.Lock()
	b.total = len(records)
	b.mu.Unlock()

	if len(records) == 0 {
		if b.State() == StateListing {
			_ = b.transition(StateComplete)
		}
		b.logger.Info("no eligible records found")
		return b.summary()
	}
	_ = b.transition(StateProcessing)
	b.logger.Info("processing records",
		zap.Int("total", len(records)),
		zap.Int("workers", u.pool.Workers()),
	)

	byID := make(map[string]*domain.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	// Submission blocks when the pool queue is full, so it runs beside the
	// collector. results has room for every record.
	ctx = context.WithoutCancel(ctx)
	results := make(chan processor.Result, len(records))
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for _, rec := range records {
			u.submit(ctx, b, rec, results)
		}
		_ = b.transition(StateDraining)
	}()

	start := time.Now()
	for range records {
		r := <-results
		rec := byID[r.TaskID]
		o := b.record(domain.Outcome{
			RecordID:    r.TaskID,
			DisplayName: rec.DisplayName,
			Status:      outcomeStatus(r),
			Reason:      reason(r),
		})
		u.metrics.ObserveRecord(string(o.Status))

		fields := []zap.Field{
			zap.String("record_id", o.RecordID),
			zap.String("status", string(o.Status)),
			zap.Int("processed", o.Processed),
			zap.Int("failed", o.Failed),
			zap.Int("total", o.Total),
		}
		if o.Status == domain.OutcomeSuccess {
			b.logger.Info("record finished", fields...)
		} else {
			b.logger.Warn("record finished", append(fields, zap.String("reason", o.Reason))...)
		}

		if outcomes != nil {
			outcomes <- o
		}
	}
	<-submitted
	_ = b.transition(StateComplete)

	summary := b.summary()
	b.logger.Info("batch complete",
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return summary
}

// submit claims the record and hands it to the pool. A record that cannot
// be claimed or submitted gets its result posted directly.
func (u *TranslationUsecase) submit(ctx context.Context, b *batch, rec *domain.Record, results chan<- processor.Result) {
	if !u.leases.Acquire(ctx, rec.ID, b.id) {
		results <- processor.Result{
			TaskID: rec.ID,
			Err: domain.Errorf(domain.KindInFlight, "usecases.submit", rec.ID,
				"already being processed by another run"),
		}
		return
	}

	err := u.pool.Submit(ctx, processor.Task{
		ID: rec.ID,
		Run: func(runCtx context.Context) error {
			// files go before the claim so the next holder starts clean
			defer u.leases.Release(context.Background(), rec.ID, b.id)
			defer u.cleanup(b.logger, rec.ID)
			return u.runner.Run(runCtx, rec)
		},
	}, results)
	if err != nil {
		u.leases.Release(ctx, rec.ID, b.id)
		results <- processor.Result{TaskID: rec.ID, Err: err}
	}
}

func (u *TranslationUsecase) cleanup(log *zap.Logger, recordIDs ...string) {
	if err := u.staging.Cleanup(recordIDs...); err != nil {
		log.Warn("failed to clean staging", zap.Error(err))
	}
}

// Shutdown waits for batches that are draining without a client.
func (u *TranslationUsecase) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		u.logger.Info("translation usecase shut down")
		return nil
	case <-ctx.Done():
		u.logger.Warn("timed out waiting for running batches")
		return ctx.Err()
	}
}

func outcomeStatus(r processor.Result) domain.OutcomeStatus {
	switch {
	case r.Err == nil:
		return domain.OutcomeSuccess
	case r.Panicked, errors.Is(r.Err, processor.ErrPoolStopped):
		return domain.OutcomeError
	default:
		return domain.OutcomeFailed
	}
}

func reason(r processor.Result) string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func uniqueByID(log *zap.Logger, records []*domain.Record) []*domain.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]*domain.Record, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			log.Warn("dropping duplicate record from batch", zap.String("record_id", r.ID))
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
