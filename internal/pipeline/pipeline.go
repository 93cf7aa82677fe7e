// Package pipeline turns one record's PDF attachment into Markdown text
// and writes the result back to the record store.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/metrics"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/tracing"
)

// Pipeline runs download, convert, extract and upload for a record.
type Pipeline struct {
	stages  *Stages
	staging *Staging
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
}

type Option func(*Pipeline)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithTracer(t *tracing.Provider) Option {
	return func(p *Pipeline) { p.tracer = t }
}

func New(stages *Stages, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages:  stages,
		staging: stages.staging,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process reports whether every stage completed for the record.
func (p *Pipeline) Process(ctx context.Context, rec *domain.Record) bool {
	return p.Run(ctx, rec) == nil
}

// Run executes the stages and returns the first stage error. Panics are
// converted to errors of KindUnexpected. Staged files are removed on the
// way out except the archive of a failed upload.
func (p *Pipeline) Run(ctx context.Context, rec *domain.Record) (err error) {
	log := p.logger.With(
		zap.String("record_id", rec.ID),
		zap.String("record_name", rec.DisplayName),
	)
	ctx, span := p.tracer.Start(ctx, "pipeline.record", rec.ID)
	start := time.Now()

	var pdfPath, archive string
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in record pipeline", zap.Any("panic", r), zap.Stack("stack"))
			p.remove(log, pdfPath, archive, p.staging.ArchiveDir(rec.ID), p.staging.ExtractDir(rec.ID))
			err = domain.Errorf(domain.KindUnexpected, "pipeline.Run", rec.ID, "panic: %v", r)
		}
		tracing.End(span, err)
		if err != nil {
			log.Error("record processing failed",
				zap.String("kind", domain.KindOf(err).String()),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		log.Info("record processed", zap.Duration("duration", time.Since(start)))
	}()

	log.Info("processing record")

	if err := p.stage(ctx, rec, StageDownload, func(ctx context.Context) (err error) {
		pdfPath, err = p.stages.Download(ctx, rec)
		return err
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, rec, StageConvert, func(ctx context.Context) (err error) {
		archive, err = p.stages.Convert(ctx, rec, pdfPath)
		return err
	}); err != nil {
		p.remove(log, pdfPath)
		return err
	}

	var text string
	if err := p.stage(ctx, rec, StageExtract, func(context.Context) (err error) {
		text, err = p.stages.Extract(rec, archive)
		return err
	}); err != nil {
		p.remove(log, pdfPath, archive, p.staging.ExtractDir(rec.ID))
		return err
	}

	uploadErr := p.stage(ctx, rec, StageUpload, func(ctx context.Context) error {
		return p.stages.Upload(ctx, rec, archive, text)
	})

	// The source PDF and the unpacked members go regardless of the upload
	// result; the archive stays behind when the upload failed.
	p.remove(log, pdfPath, p.staging.ExtractDir(rec.ID))
	if uploadErr != nil {
		return uploadErr
	}
	p.remove(log, archive)
	return nil
}

func (p *Pipeline) stage(ctx context.Context, rec *domain.Record, stage Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage), rec.ID)
	start := time.Now()

	err := fn(ctx)

	tracing.End(span, err)
	p.metrics.ObserveStage(string(stage), err == nil, time.Since(start))
	if err != nil {
		p.metrics.IncStageFailure(string(stage), domain.KindOf(err).String())
		return fmt.Errorf("%s: %w", stage, err)
	}
	p.logger.Debug("stage completed",
		zap.String("record_id", rec.ID),
		zap.String("stage", string(stage)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// remove deletes staged paths, best effort.
func (p *Pipeline) remove(log *zap.Logger, paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn("failed to remove staged path", zap.String("path", path), zap.Error(err))
		}
	}
}

var _ domain.RecordPipeline = (*Pipeline)(nil)
