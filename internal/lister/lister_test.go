package lister

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/eligibility"
)

// pagedStore serves fixed pages; cursors are page indexes.
type pagedStore struct {
	domain.RecordStore
	pages  [][]*domain.Record
	failAt int // 1-based page that fails, 0 for none
	calls  int
}

func (s *pagedStore) ListPage(_ context.Context, cursor string) (*domain.Page, error) {
	s.calls++
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if s.failAt == idx+1 {
		return nil, errors.New("store unavailable")
	}
	page := &domain.Page{Records: s.pages[idx]}
	if idx+1 < len(s.pages) {
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func filter() *eligibility.Filter {
	return eligibility.NewFilter(eligibility.Columns{
		Name: "Name", Origin: "PDF", TargetFile: "MDZip", TargetContext: "Markdown",
	})
}

func eligible(id string) *domain.Record {
	return &domain.Record{ID: id, Fields: map[string]any{
		"PDF": []any{map[string]any{"file_token": "tok-" + id}},
	}}
}

func done(id string) *domain.Record {
	return &domain.Record{ID: id, Fields: map[string]any{
		"PDF":      []any{map[string]any{"file_token": "tok-" + id}},
		"MDZip":    []any{map[string]any{"file_token": "zip-" + id}},
		"Markdown": "text",
	}}
}

func ids(records []*domain.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func threePages() [][]*domain.Record {
	return [][]*domain.Record{
		{eligible("a"), done("b"), eligible("c")},
		{done("d")},
		{eligible("e"), eligible("a")},
	}
}

func TestListAllUnionInPageOrder(t *testing.T) {
	store := &pagedStore{pages: threePages()}
	l := New(store, filter(), zaptest.NewLogger(t))

	records, err := l.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "e"}, ids(records))
	assert.Equal(t, 3, store.calls)
}

func TestListAllFailsWholeListing(t *testing.T) {
	store := &pagedStore{pages: threePages(), failAt: 2}
	l := New(store, filter(), zaptest.NewLogger(t))

	records, err := l.ListAll(context.Background())
	require.Error(t, err)
	assert.Nil(t, records)
	assert.Contains(t, err.Error(), "page 2")
}

func TestStreamEmitsPagesThenRecordsReady(t *testing.T) {
	store := &pagedStore{pages: threePages()}
	l := New(store, filter(), zaptest.NewLogger(t))

	var events []domain.PageEvent
	for ev, err := range l.Stream(context.Background()) {
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.PageLoaded, events[i].Kind)
		assert.Equal(t, i+1, events[i].Page.PageNumber)
	}
	assert.Equal(t, 3, events[0].Page.RecordsInPage)
	assert.Equal(t, 2, events[0].Page.EligibleInPage)
	assert.True(t, events[0].Page.HasMorePages)
	assert.Equal(t, 0, events[1].Page.EligibleInPage)
	assert.Equal(t, 2, events[1].Page.TotalEligibleSoFar)
	assert.Equal(t, 1, events[2].Page.EligibleInPage, "duplicate record must not be counted twice")
	assert.False(t, events[2].Page.HasMorePages)

	last := events[3]
	assert.Equal(t, domain.RecordsReady, last.Kind)
	assert.Equal(t, 3, last.TotalPages)

	listed, err := New(&pagedStore{pages: threePages()}, filter(), zaptest.NewLogger(t)).ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids(listed), ids(last.Records))
}

func TestStreamIsPulledLazily(t *testing.T) {
	store := &pagedStore{pages: threePages()}
	l := New(store, filter(), zaptest.NewLogger(t))

	for ev, err := range l.Stream(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, 1, ev.Page.PageNumber)
		break
	}
	assert.Equal(t, 1, store.calls, "no page may be fetched ahead of the consumer")
}

func TestStreamYieldsErrorOnce(t *testing.T) {
	store := &pagedStore{pages: threePages(), failAt: 3}
	l := New(store, filter(), zaptest.NewLogger(t))

	var loaded, errs int
	for ev, err := range l.Stream(context.Background()) {
		if err != nil {
			errs++
			continue
		}
		require.Equal(t, domain.PageLoaded, ev.Kind)
		loaded++
	}
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 1, errs)
}

func TestStreamStopsOnCancelledContext(t *testing.T) {
	store := &pagedStore{pages: threePages()}
	l := New(store, filter(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var gotErr error
	for ev, err := range l.Stream(ctx) {
		if err != nil {
			gotErr = err
			break
		}
		if ev.Page.PageNumber == 1 {
			cancel()
		}
	}
	require.ErrorIs(t, gotErr, context.Canceled)
	assert.Equal(t, 1, store.calls)
}

func TestStreamEmptyTable(t *testing.T) {
	store := &pagedStore{pages: [][]*domain.Record{{}}}
	l := New(store, filter(), zaptest.NewLogger(t))

	records, err := l.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, store.calls)
}
