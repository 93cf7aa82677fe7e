// Package lister walks the record store page by page and keeps the
// records that still need translation.
package lister

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/eligibility"
)

// maxPages stops a store that keeps handing out cursors.
const maxPages = 100000

type Lister struct {
	store  domain.RecordStore
	filter *eligibility.Filter
	logger *zap.Logger
}

func New(store domain.RecordStore, filter *eligibility.Filter, logger *zap.Logger) *Lister {
	return &Lister{store: store, filter: filter, logger: logger}
}

// ListAll returns every eligible record in page order. Any page failure
// aborts the whole listing.
func (l *Lister) ListAll(ctx context.Context) ([]*domain.Record, error) {
	var records []*domain.Record
	for ev, err := range l.Stream(ctx) {
		if err != nil {
			return nil, err
		}
		if ev.Kind == domain.RecordsReady {
			records = ev.Records
		}
	}
	return records, nil
}

// Stream yields one PageLoaded event per page and a single RecordsReady
// event after the last page. Pages are fetched only when the consumer asks
// for the next event. A failure is yielded once and ends the sequence.
func (l *Lister) Stream(ctx context.Context) iter.Seq2[domain.PageEvent, error] {
	return func(yield func(domain.PageEvent, error) bool) {
		var (
			all    []*domain.Record
			seen   = make(map[string]struct{})
			cursor string
			pageNo int
		)

		for {
			if err := ctx.Err(); err != nil {
				yield(domain.PageEvent{}, err)
				return
			}
			if pageNo >= maxPages {
				yield(domain.PageEvent{}, fmt.Errorf("list records: exceeded %d pages", maxPages))
				return
			}

			page, err := l.store.ListPage(ctx, cursor)
			if err != nil {
				l.logger.Error("failed to list records page",
					zap.Int("page_number", pageNo+1),
					zap.Error(err),
				)
				yield(domain.PageEvent{}, fmt.Errorf("list records page %d: %w", pageNo+1, err))
				return
			}
			pageNo++

			eligible := make([]*domain.Record, 0, len(page.Records))
			for _, r := range l.filter.Select(page.Records) {
				if _, dup := seen[r.ID]; dup {
					continue
				}
				seen[r.ID] = struct{}{}
				eligible = append(eligible, r)
			}
			all = append(all, eligible...)

			info := domain.PageInfo{
				PageNumber:         pageNo,
				RecordsInPage:      len(page.Records),
				EligibleInPage:     len(eligible),
				TotalEligibleSoFar: len(all),
				HasMorePages:       page.NextCursor != "",
			}
			l.logger.Info("loaded records page",
				zap.Int("page_number", info.PageNumber),
				zap.Int("records_in_page", info.RecordsInPage),
				zap.Int("eligible_in_page", info.EligibleInPage),
				zap.Int("total_eligible_so_far", info.TotalEligibleSoFar),
			)

			if !yield(domain.PageEvent{Kind: domain.PageLoaded, Page: info, Records: eligible}, nil) {
				return
			}

			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}

		l.logger.Info("finished listing eligible records",
			zap.Int("total", len(all)),
			zap.Int("total_pages", pageNo),
		)
		yield(domain.PageEvent{Kind: domain.RecordsReady, Records: all, TotalPages: pageNo}, nil)
	}
}
