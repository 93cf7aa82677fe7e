package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/eligibility"
)

// Stage names a step of the record pipeline.
type Stage string

const (
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
	StageExtract  Stage = "extract"
	StageUpload   Stage = "upload"
)

// Stages holds the four stage functions. None of them looks at any record
// other than the one it is given.
type Stages struct {
	store     domain.RecordStore
	converter domain.DocumentConverter
	staging   *Staging
	cols      eligibility.Columns
	maxText   int64
}

func NewStages(store domain.RecordStore, converter domain.DocumentConverter, staging *Staging, cols eligibility.Columns) *Stages {
	return &Stages{
		store:     store,
		converter: converter,
		staging:   staging,
		cols:      cols,
		maxText:   defaultMaxMemberBytes,
	}
}

// Download fetches the origin attachment into the record's PDF slot.
func (s *Stages) Download(ctx context.Context, rec *domain.Record) (string, error) {
	const op = "pipeline.Download"

	ref, ok := domain.FirstAttachment(rec.Field(s.cols.Origin))
	if !ok {
		return "", domain.Errorf(domain.KindNotFound, op, rec.ID, "no file token found in origin column")
	}

	dest := s.staging.PDFPath(rec.ID, rec.DisplayName)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", domain.NewError(domain.KindTransfer, op, rec.ID, err)
	}
	if err := s.store.DownloadAttachment(ctx, ref, dest); err != nil {
		_ = os.Remove(dest)
		return "", classify(domain.KindTransfer, op, rec.ID, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", domain.NewError(domain.KindTransfer, op, rec.ID, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(dest)
		return "", domain.Errorf(domain.KindTransfer, op, rec.ID, "downloaded file is empty")
	}
	return dest, nil
}

// Convert hands the PDF to the converter and returns the archive path.
func (s *Stages) Convert(ctx context.Context, rec *domain.Record, pdfPath string) (string, error) {
	const op = "pipeline.Convert"

	outDir := s.staging.ArchiveDir(rec.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", domain.NewError(domain.KindConversion, op, rec.ID, err)
	}

	name := fileBase(rec.DisplayName, rec.ID)
	archive, err := s.converter.Convert(ctx, pdfPath, outDir, name)
	if err != nil {
		return "", classify(domain.KindConversion, op, rec.ID, err)
	}
	if _, err := os.Stat(archive); err != nil {
		return "", domain.Errorf(domain.KindConversion, op, rec.ID, "archive not created: %s", archive)
	}
	return archive, nil
}

// Extract unpacks the archive and returns the text of its first Markdown
// member. Empty text counts as a failure.
func (s *Stages) Extract(rec *domain.Record, archivePath string) (string, error) {
	const op = "pipeline.Extract"

	text, err := extractMarkdown(archivePath, s.staging.ExtractDir(rec.ID), s.maxText)
	if err != nil {
		return "", classify(domain.KindExtraction, op, rec.ID, err)
	}
	return text, nil
}

// Upload stores the archive as an attachment and writes both target columns.
func (s *Stages) Upload(ctx context.Context, rec *domain.Record, archivePath, text string) error {
	const op = "pipeline.Upload"

	token, err := s.store.UploadAttachment(ctx, archivePath)
	if err != nil {
		return classify(domain.KindTransfer, op, rec.ID, fmt.Errorf("upload archive: %w", err))
	}

	fields := map[string]any{
		s.cols.TargetContext: text,
		s.cols.TargetFile:    []any{map[string]any{"file_token": token}},
	}
	if err := s.store.WriteFields(ctx, rec.ID, fields); err != nil {
		return classify(domain.KindTransfer, op, rec.ID, fmt.Errorf("write target columns: %w", err))
	}
	return nil
}

// classify keeps an existing kind and tags anything else with fallback.
func classify(fallback domain.ErrorKind, op, recordID string, err error) error {
	var typed *domain.Error
	if errors.As(err, &typed) {
		return err
	}
	return domain.NewError(fallback, op, recordID, err)
}
