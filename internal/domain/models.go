package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is an immutable snapshot of one table row taken at list time.
type Record struct {
	ID          string         `json:"record_id"`
	Fields      map[string]any `json:"fields"`
	DisplayName string         `json:"display_name"`
}

// Field returns the raw value of a column, nil when absent.
func (r *Record) Field(column string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[column]
}

// AttachmentRef points at a file stored by the record store.
type AttachmentRef struct {
	Token string `json:"file_token"`
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
}

// FirstAttachment resolves the first element of an attachment cell.
// A map element is looked up by "file_token", then "token"; a bare string
// element is itself the token.
func FirstAttachment(value any) (AttachmentRef, bool) {
	items, ok := value.([]any)
	if !ok || len(items) == 0 {
		return AttachmentRef{}, false
	}

	switch item := items[0].(type) {
	case string:
		if strings.TrimSpace(item) == "" {
			return AttachmentRef{}, false
		}
		return AttachmentRef{Token: item}, true
	case map[string]any:
		ref := AttachmentRef{
			Token: stringOf(item["file_token"]),
			Name:  stringOf(item["name"]),
			URL:   stringOf(item["url"]),
		}
		if ref.Token == "" {
			ref.Token = stringOf(item["token"])
		}
		return ref, ref.Token != ""
	}
	return AttachmentRef{}, false
}

// IsNonEmptyList reports whether a cell holds a list with at least one element.
func IsNonEmptyList(value any) bool {
	items, ok := value.([]any)
	return ok && len(items) > 0
}

// IsBlankText reports whether a text cell counts as empty: absent, a blank
// string, or a segment list where no segment has text. Any other value
// counts as filled.
func IsBlankText(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		// rich text cells come back as a list of {type, text} segments
		for _, seg := range v {
			if strings.TrimSpace(CellText(seg)) != "" {
				return false
			}
		}
		return true
	}
	return false
}

// DisplayName derives a human readable name for a record from its name
// column, falling back to the record ID.
func DisplayName(fields map[string]any, column, recordID string) string {
	if name := strings.TrimSpace(CellText(fields[column])); name != "" {
		return name
	}
	return recordID
}

// CellText renders a scalar or list cell as plain text. Lists contribute
// their first element only.
func CellText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		if len(v) == 0 {
			return ""
		}
		return CellText(v[0])
	case map[string]any:
		if text, ok := v["text"]; ok {
			return CellText(text)
		}
		if name, ok := v["name"]; ok {
			return CellText(name)
		}
		return ""
	}
	return fmt.Sprint(value)
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// Page is one cursor page returned by the record store.
type Page struct {
	Records    []*Record
	NextCursor string
}

// PageInfo describes the progress of a paginated listing after one page.
type PageInfo struct {
	PageNumber         int  `json:"page_number"`
	RecordsInPage      int  `json:"records_in_page"`
	EligibleInPage     int  `json:"eligible_in_page"`
	TotalEligibleSoFar int  `json:"total_eligible_so_far"`
	HasMorePages       bool `json:"has_more_pages"`
}

// PageEventKind tags a listing event.
type PageEventKind int

const (
	PageLoaded PageEventKind = iota + 1
	RecordsReady
)

func (k PageEventKind) String() string {
	switch k {
	case PageLoaded:
		return "page_loaded"
	case RecordsReady:
		return "records_ready"
	default:
		return "unknown"
	}
}

// PageEvent is produced by a streaming listing. PageLoaded carries the page
// info and the eligible records of that page; RecordsReady carries every
// eligible record and the page count.
type PageEvent struct {
	Kind       PageEventKind
	Page       PageInfo
	Records    []*Record
	TotalPages int
}

// OutcomeStatus is the final status of one record in a batch.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	// OutcomeError marks a task that blew up instead of returning a result.
	OutcomeError OutcomeStatus = "error"
)

// Outcome is emitted once per completed record. Counters are the running
// aggregate at the moment the outcome was produced.
type Outcome struct {
	RecordID    string
	DisplayName string
	Status      OutcomeStatus
	Reason      string
	Processed   int
	Failed      int
	Total       int
}

// BatchSummary is the terminal result of a batch.
type BatchSummary struct {
	Total         int      `json:"total"`
	Processed     int      `json:"processed"`
	Failed        int      `json:"failed"`
	FailedRecords []string `json:"failed_records"`
}
