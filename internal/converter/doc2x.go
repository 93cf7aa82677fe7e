// Package converter turns PDFs into Markdown archives through the Doc2X v2 API.
package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
)

const (
	DefaultBaseURL      = "https://v2.doc2x.noedgeai.com"
	defaultPollInterval = 3 * time.Second
	defaultTimeout      = 15 * time.Minute
	defaultHTTPTimeout  = 2 * time.Minute
	defaultMaxRetries   = 3

	statusSuccess = "success"
	statusFailed  = "failed"
)

// Config configures the Doc2X client.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	// Timeout bounds one whole conversion, polling included.
	Timeout     time.Duration
	HTTPTimeout time.Duration
	MaxRetries  int
}

// Option customises a Doc2X client.
type Option func(*Doc2X)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Doc2X) { d.http = c }
}

// WithPreflight replaces the local PDF check. Nil disables it.
func WithPreflight(fn func(path string) (int, error)) Option {
	return func(d *Doc2X) { d.preflight = fn }
}

// Doc2X implements domain.DocumentConverter.
type Doc2X struct {
	http      *http.Client
	cfg       Config
	logger    *zap.Logger
	preflight func(path string) (int, error)
	backoff   func() backoff.BackOff
}

var _ domain.DocumentConverter = (*Doc2X)(nil)

func NewDoc2X(cfg Config, logger *zap.Logger, opts ...Option) (*Doc2X, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("doc2x api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Doc2X{
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:       cfg,
		logger:    logger,
		preflight: PageCount,
	}
	d.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, uint64(d.cfg.MaxRetries))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// PageCount validates a PDF in relaxed mode and returns its page count.
func PageCount(path string) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return 0, fmt.Errorf("validate pdf: %w", err)
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// envelope is the common Doc2X response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type parseData struct {
	UID string `json:"uid"`
}

type statusData struct {
	Progress int    `json:"progress"`
	Status   string `json:"status"`
	Detail   string `json:"detail"`
}

type exportData struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

type exportRequest struct {
	UID         string `json:"uid"`
	To          string `json:"to"`
	FormulaMode string `json:"formula_mode"`
	Filename    string `json:"filename,omitempty"`
}

// Convert uploads inputPath, waits for the parse and the Markdown export,
// then downloads the archive to <outputDir>/<name>.zip.
func (d *Doc2X) Convert(ctx context.Context, inputPath, outputDir, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	log := d.logger.With(zap.String("input", filepath.Base(inputPath)))

	if d.preflight != nil {
		pages, err := d.preflight(inputPath)
		if err != nil {
			return "", fmt.Errorf("preflight %s: %w", filepath.Base(inputPath), err)
		}
		if pages < 1 {
			return "", fmt.Errorf("preflight %s: no pages", filepath.Base(inputPath))
		}
		log = log.With(zap.Int("pages", pages))
	}

	pdf, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	var parsed parseData
	if err := d.call(ctx, http.MethodPost, "/api/v2/parse/pdf", nil, "application/pdf", pdf, &parsed); err != nil {
		return "", fmt.Errorf("submit pdf: %w", err)
	}
	if parsed.UID == "" {
		return "", errors.New("submit pdf: empty uid")
	}
	log = log.With(zap.String("uid", parsed.UID))
	log.Info("pdf submitted to doc2x")

	if err := d.waitParsed(ctx, parsed.UID); err != nil {
		return "", err
	}

	body, err := json.Marshal(exportRequest{UID: parsed.UID, To: "md", FormulaMode: "normal", Filename: name})
	if err != nil {
		return "", fmt.Errorf("encode export request: %w", err)
	}
	if err := d.call(ctx, http.MethodPost, "/api/v2/convert/parse", nil, "application/json", body, nil); err != nil {
		return "", fmt.Errorf("request export: %w", err)
	}

	archiveURL, err := d.waitExported(ctx, parsed.UID)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(outputDir, name+".zip")
	if err := d.download(ctx, archiveURL, dest); err != nil {
		return "", fmt.Errorf("download archive: %w", err)
	}

	log.Info("conversion finished", zap.String("archive", dest))
	return dest, nil
}

func (d *Doc2X) waitParsed(ctx context.Context, uid string) error {
	q := url.Values{"uid": {uid}}
	return d.poll(ctx, func() (bool, error) {
		var st statusData
		if err := d.call(ctx, http.MethodGet, "/api/v2/parse/status", q, "", nil, &st); err != nil {
			return false, fmt.Errorf("parse status: %w", err)
		}
		switch st.Status {
		case statusSuccess:
			return true, nil
		case statusFailed:
			return false, fmt.Errorf("parse failed: %s", st.Detail)
		}
		d.logger.Debug("parse in progress", zap.String("uid", uid), zap.Int("progress", st.Progress))
		return false, nil
	})
}

func (d *Doc2X) waitExported(ctx context.Context, uid string) (string, error) {
	q := url.Values{"uid": {uid}}
	var archiveURL string
	err := d.poll(ctx, func() (bool, error) {
		var ex exportData
		if err := d.call(ctx, http.MethodGet, "/api/v2/convert/parse/result", q, "", nil, &ex); err != nil {
			return false, fmt.Errorf("export status: %w", err)
		}
		switch ex.Status {
		case statusSuccess:
			if ex.URL == "" {
				return false, errors.New("export finished without a download url")
			}
			archiveURL = ex.URL
			return true, nil
		case statusFailed:
			return false, errors.New("export failed")
		}
		return false, nil
	})
	return archiveURL, err
}

// poll calls check every PollInterval until it reports done, fails, or ctx ends.
func (d *Doc2X) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for doc2x: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// call performs one API request with retries and decodes data into out.
func (d *Doc2X) call(ctx context.Context, method, path string, query url.Values, contentType string, body []byte, out any) error {
	endpoint := d.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	op := func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := d.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := statusError(resp.StatusCode, raw); err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if env.Code != statusSuccess {
			return backoff.Permanent(fmt.Errorf("doc2x error %s: %s", env.Code, env.Msg))
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode data: %w", err))
			}
		}
		return nil
	}

	return d.retry(ctx, path, op)
}

func (d *Doc2X) download(ctx context.Context, archiveURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return statusError(resp.StatusCode, raw)
		}

		tmp := dest + ".part"
		f, err := os.Create(tmp)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, copyErr := io.Copy(f, resp.Body)
		closeErr := f.Close()
		if err := errors.Join(copyErr, closeErr); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, dest); err != nil {
			_ = os.Remove(tmp)
			return backoff.Permanent(err)
		}
		return nil
	}

	return d.retry(ctx, "archive", op)
}

func (d *Doc2X) retry(ctx context.Context, what string, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, backoff.WithContext(d.backoff(), ctx), func(err error, wait time.Duration) {
		d.logger.Warn("doc2x request failed, retrying",
			zap.String("call", what),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

// statusError maps HTTP status codes: 429 and 5xx are retried, other
// non-2xx codes are permanent.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %d: %s", code, bytes.TrimSpace(body))
	if code == http.StatusTooManyRequests || code >= 500 {
		return err
	}
	return backoff.Permanent(err)
}
