package repositories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkdrive "github.com/larksuite/oapi-sdk-go/v3/service/drive/v1"
	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
)

const (
	// codeRecordNotFound is the Bitable error code for an unknown record_id.
	codeRecordNotFound = 1254043

	// personalBaseURL serves calls authorised with a personal base token.
	personalBaseURL = "https://base-api.feishu.cn"

	defaultPageSize   = 500
	maxPageSize       = 500
	attachmentParent  = "bitable_file"
	defaultReqTimeout = 60 * time.Second
)

// APIError is a non-zero code returned by the Feishu open platform.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error: code=%d msg=%s", e.Code, e.Msg)
}

// HealthStatus is the result of the most recent connectivity check.
type HealthStatus struct {
	IsHealthy bool
	LastCheck time.Time
	LastError error
}

// BitableConfig holds what the adapter needs to reach one table.
type BitableConfig struct {
	AppID             string
	AppSecret         string
	AppToken          string
	PersonalBaseToken string
	TableID           string
	NameColumn        string
	PageSize          int
	BaseURL           string
	RequestTimeout    time.Duration
}

// BitableRepository implements domain.RecordStore on a Feishu Bitable table
// and stores attachments through the Drive media API.
type BitableRepository struct {
	client *lark.Client
	cfg    BitableConfig
	logger *zap.Logger

	health atomic.Pointer[HealthStatus]
}

var (
	_ domain.RecordStore   = (*BitableRepository)(nil)
	_ domain.HealthChecker = (*BitableRepository)(nil)
)

// NewBitableRepository builds the SDK client. A personal base token, when
// set, is sent as the bearer token on every call; otherwise the SDK obtains
// a tenant token from the app credentials.
func NewBitableRepository(cfg BitableConfig, logger *zap.Logger) (*BitableRepository, error) {
	if cfg.AppToken == "" {
		return nil, errors.New("bitable app token is required")
	}
	if cfg.TableID == "" {
		return nil, errors.New("bitable table id is required")
	}
	if cfg.PersonalBaseToken == "" && (cfg.AppID == "" || cfg.AppSecret == "") {
		return nil, errors.New("either a personal base token or app id and secret are required")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultReqTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []lark.ClientOptionFunc{
		lark.WithReqTimeout(cfg.RequestTimeout),
		lark.WithLogger(sdkLogger{logger.Named("lark").Sugar()}),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	}
	if cfg.BaseURL == "" && cfg.PersonalBaseToken != "" {
		cfg.BaseURL = personalBaseURL
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(cfg.BaseURL))
	}

	return &BitableRepository{
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, opts...),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (r *BitableRepository) callOpts() []larkcore.RequestOptionFunc {
	if r.cfg.PersonalBaseToken != "" {
		return []larkcore.RequestOptionFunc{larkcore.WithUserAccessToken(r.cfg.PersonalBaseToken)}
	}
	return nil
}

// ListPage fetches one page of records. An empty cursor starts from the top;
// an empty NextCursor marks the last page.
func (r *BitableRepository) ListPage(ctx context.Context, cursor string) (*domain.Page, error) {
	builder := larkbitable.NewListAppTableRecordReqBuilder().
		AppToken(r.cfg.AppToken).
		TableId(r.cfg.TableID).
		PageSize(r.cfg.PageSize)
	if cursor != "" {
		builder.PageToken(cursor)
	}

	resp, err := r.client.Bitable.V1.AppTableRecord.List(ctx, builder.Build(), r.callOpts()...)
	if err != nil {
		return nil, domain.NewError(domain.KindTransfer, "bitable.ListPage", "", fmt.Errorf("list records: %w", err))
	}
	if !resp.Success() {
		return nil, domain.NewError(domain.KindTransfer, "bitable.ListPage", "", &APIError{Code: resp.Code, Msg: resp.Msg})
	}

	page := &domain.Page{}
	if resp.Data == nil {
		return page, nil
	}
	page.Records = make([]*domain.Record, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		if rec := r.toRecord(item); rec != nil {
			page.Records = append(page.Records, rec)
		}
	}
	if resp.Data.HasMore != nil && *resp.Data.HasMore && resp.Data.PageToken != nil {
		page.NextCursor = *resp.Data.PageToken
	}
	return page, nil
}

// GetByID fetches a single record. An unknown id yields a KindNotFound error.
func (r *BitableRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	const op = "bitable.GetByID"

	req := larkbitable.NewGetAppTableRecordReqBuilder().
		AppToken(r.cfg.AppToken).
		TableId(r.cfg.TableID).
		RecordId(id).
		Build()

	resp, err := r.client.Bitable.V1.AppTableRecord.Get(ctx, req, r.callOpts()...)
	if err != nil {
		return nil, domain.NewError(domain.KindTransfer, op, id, fmt.Errorf("get record: %w", err))
	}
	if !resp.Success() {
		if resp.Code == codeRecordNotFound {
			return nil, domain.Errorf(domain.KindNotFound, op, id, "Record %s not found", id)
		}
		return nil, domain.NewError(domain.KindTransfer, op, id, &APIError{Code: resp.Code, Msg: resp.Msg})
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return nil, domain.Errorf(domain.KindNotFound, op, id, "Record %s not found", id)
	}

	rec := r.toRecord(resp.Data.Record)
	if rec.ID == "" {
		rec.ID = id
		rec.DisplayName = domain.DisplayName(rec.Fields, r.cfg.NameColumn, id)
	}
	return rec, nil
}

// DownloadAttachment streams a Drive media file to destPath.
func (r *BitableRepository) DownloadAttachment(ctx context.Context, ref domain.AttachmentRef, destPath string) error {
	const op = "bitable.DownloadAttachment"

	req := larkdrive.NewDownloadMediaReqBuilder().
		FileToken(ref.Token).
		Build()

	resp, err := r.client.Drive.V1.Media.Download(ctx, req, r.callOpts()...)
	if err != nil {
		return domain.NewError(domain.KindTransfer, op, "", fmt.Errorf("download media %s: %w", ref.Token, err))
	}
	if !resp.Success() {
		return domain.NewError(domain.KindTransfer, op, "", &APIError{Code: resp.Code, Msg: resp.Msg})
	}
	if resp.File == nil {
		return domain.Errorf(domain.KindTransfer, op, "", "download media %s: empty body", ref.Token)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return domain.NewError(domain.KindTransfer, op, "", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return domain.NewError(domain.KindTransfer, op, "", err)
	}
	n, copyErr := io.Copy(f, resp.File)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return domain.NewError(domain.KindTransfer, op, "", fmt.Errorf("write %s: %w", destPath, err))
	}

	r.logger.Debug("attachment downloaded",
		zap.String("file_token", ref.Token),
		zap.String("path", destPath),
		zap.Int64("bytes", n),
	)
	return nil
}

// UploadAttachment uploads a local file as a Bitable attachment and returns
// its file token.
func (r *BitableRepository) UploadAttachment(ctx context.Context, path string) (string, error) {
	const op = "bitable.UploadAttachment"

	f, err := os.Open(path)
	if err != nil {
		return "", domain.NewError(domain.KindTransfer, op, "", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", domain.NewError(domain.KindTransfer, op, "", err)
	}

	body := larkdrive.NewUploadAllMediaReqBodyBuilder().
		FileName(filepath.Base(path)).
		ParentType(attachmentParent).
		ParentNode(r.cfg.AppToken).
		Size(int(info.Size())).
		File(f).
		Build()
	req := larkdrive.NewUploadAllMediaReqBuilder().Body(body).Build()

	resp, err := r.client.Drive.V1.Media.UploadAll(ctx, req, r.callOpts()...)
	if err != nil {
		return "", domain.NewError(domain.KindTransfer, op, "", fmt.Errorf("upload %s: %w", filepath.Base(path), err))
	}
	if !resp.Success() {
		return "", domain.NewError(domain.KindTransfer, op, "", &APIError{Code: resp.Code, Msg: resp.Msg})
	}
	if resp.Data == nil || resp.Data.FileToken == nil || *resp.Data.FileToken == "" {
		return "", domain.Errorf(domain.KindTransfer, op, "", "upload %s: no file token returned", filepath.Base(path))
	}
	return *resp.Data.FileToken, nil
}

// WriteFields updates the named cells of one record.
func (r *BitableRepository) WriteFields(ctx context.Context, id string, fields map[string]any) error {
	const op = "bitable.WriteFields"

	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(r.cfg.AppToken).
		TableId(r.cfg.TableID).
		RecordId(id).
		AppTableRecord(&larkbitable.AppTableRecord{Fields: fields}).
		Build()

	resp, err := r.client.Bitable.V1.AppTableRecord.Update(ctx, req, r.callOpts()...)
	if err != nil {
		return domain.NewError(domain.KindTransfer, op, id, fmt.Errorf("update record: %w", err))
	}
	if !resp.Success() {
		if resp.Code == codeRecordNotFound {
			return domain.Errorf(domain.KindNotFound, op, id, "Record %s not found", id)
		}
		return domain.NewError(domain.KindTransfer, op, id, &APIError{Code: resp.Code, Msg: resp.Msg})
	}
	return nil
}

// CheckConnection lists a single record to prove credentials and table id.
// The outcome is kept for Health.
func (r *BitableRepository) CheckConnection(ctx context.Context) error {
	err := r.ping(ctx)
	r.health.Store(&HealthStatus{IsHealthy: err == nil, LastCheck: time.Now(), LastError: err})
	return err
}

// Health returns the last recorded check. Before any check it reports unhealthy.
func (r *BitableRepository) Health() HealthStatus {
	if st := r.health.Load(); st != nil {
		return *st
	}
	return HealthStatus{}
}

func (r *BitableRepository) ping(ctx context.Context) error {
	req := larkbitable.NewListAppTableRecordReqBuilder().
		AppToken(r.cfg.AppToken).
		TableId(r.cfg.TableID).
		PageSize(1).
		Build()

	resp, err := r.client.Bitable.V1.AppTableRecord.List(ctx, req, r.callOpts()...)
	if err != nil {
		return fmt.Errorf("bitable ping: %w", err)
	}
	if !resp.Success() {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

func (r *BitableRepository) toRecord(item *larkbitable.AppTableRecord) *domain.Record {
	if item == nil {
		return nil
	}
	rec := &domain.Record{Fields: item.Fields}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if item.RecordId != nil {
		rec.ID = *item.RecordId
	}
	rec.DisplayName = domain.DisplayName(rec.Fields, r.cfg.NameColumn, rec.ID)
	return rec
}

// sdkLogger routes SDK log lines into zap.
type sdkLogger struct {
	s *zap.SugaredLogger
}

func (l sdkLogger) Debug(_ context.Context, args ...interface{}) { l.s.Debug(args...) }
func (l sdkLogger) Info(_ context.Context, args ...interface{})  { l.s.Info(args...) }
func (l sdkLogger) Warn(_ context.Context, args ...interface{})  { l.s.Warn(args...) }
func (l sdkLogger) Error(_ context.Context, args ...interface{}) { l.s.Error(args...) }
