// Package eligibility decides which records need translation.
package eligibility

import (
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
)

// Columns names the table columns the service reads and writes.
type Columns struct {
	Name          string
	Origin        string
	TargetFile    string
	TargetContext string
}

// Filter applies the batch and single-record guards.
type Filter struct {
	cols Columns
}

func NewFilter(cols Columns) *Filter {
	return &Filter{cols: cols}
}

func (f *Filter) Columns() Columns { return f.cols }

// IsEligible is the batch guard: the origin column holds at least one
// attachment and both target columns are empty.
func (f *Filter) IsEligible(fields map[string]any) bool {
	return f.hasOrigin(fields) && f.targetFileEmpty(fields) && f.targetContextEmpty(fields)
}

// CheckSingle is the guard for an explicitly named record. A record with
// only one of the two targets filled passes here even though IsEligible
// rejects it.
func (f *Filter) CheckSingle(record *domain.Record) error {
	const op = "eligibility.CheckSingle"
	if !f.hasOrigin(record.Fields) {
		return domain.Errorf(domain.KindIneligible, op, record.ID,
			"Record %s has no PDF file in origin column", record.ID)
	}
	if !f.targetFileEmpty(record.Fields) && !f.targetContextEmpty(record.Fields) {
		return domain.Errorf(domain.KindIneligible, op, record.ID,
			"Record %s already has target columns filled", record.ID)
	}
	return nil
}

// Select returns the eligible records of a page, preserving order.
func (f *Filter) Select(records []*domain.Record) []*domain.Record {
	out := make([]*domain.Record, 0, len(records))
	for _, r := range records {
		if r != nil && f.IsEligible(r.Fields) {
			out = append(out, r)
		}
	}
	return out
}

func (f *Filter) hasOrigin(fields map[string]any) bool {
	return domain.IsNonEmptyList(fields[f.cols.Origin])
}

func (f *Filter) targetFileEmpty(fields map[string]any) bool {
	return !domain.IsNonEmptyList(fields[f.cols.TargetFile])
}

func (f *Filter) targetContextEmpty(fields map[string]any) bool {
	return domain.IsBlankText(fields[f.cols.TargetContext])
}
