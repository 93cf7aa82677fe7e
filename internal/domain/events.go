package domain

import "fmt"

// EventType is the "type" member of a progress frame.
type EventType string

const (
	EventPaginationStart EventType = "pagination_start"
	EventPageLoaded      EventType = "page_loaded"
	EventRecordsReady    EventType = "records_ready"
	EventProcessingStart EventType = "processing_start"
	EventProgress        EventType = "progress"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
)

// Event is one progress frame of a streaming batch. Concrete events are
// JSON-encoded as they are.
type Event interface {
	EventType() EventType
}

type PaginationStartEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func (e PaginationStartEvent) EventType() EventType { return e.Type }

type PageLoadedEvent struct {
	Type   EventType `json:"type"`
	Status string    `json:"status"`
	PageInfo
	Message string `json:"message"`
}

func (e PageLoadedEvent) EventType() EventType { return e.Type }

type RecordsReadyEvent struct {
	Type       EventType `json:"type"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	TotalPages int       `json:"total_pages"`
	Message    string    `json:"message"`
}

func (e RecordsReadyEvent) EventType() EventType { return e.Type }

type ProcessingStartEvent struct {
	Type    EventType `json:"type"`
	Total   int       `json:"total"`
	Message string    `json:"message"`
}

func (e ProcessingStartEvent) EventType() EventType { return e.Type }

type ProgressEvent struct {
	Type       EventType     `json:"type"`
	RecordID   string        `json:"record_id"`
	RecordName string        `json:"record_name"`
	Status     OutcomeStatus `json:"status"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Total      int           `json:"total"`
	Message    string        `json:"message"`
}

func (e ProgressEvent) EventType() EventType { return e.Type }

type CompleteEvent struct {
	Type    EventType `json:"type"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	BatchSummary
}

func (e CompleteEvent) EventType() EventType { return e.Type }

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

func (e ErrorEvent) EventType() EventType { return e.Type }

func NewPaginationStartEvent() PaginationStartEvent {
	return PaginationStartEvent{Type: EventPaginationStart, Message: "Starting to fetch records from FEISHU table"}
}

func NewPageLoadedEvent(info PageInfo) PageLoadedEvent {
	return PageLoadedEvent{
		Type:     EventPageLoaded,
		Status:   "progress",
		PageInfo: info,
		Message: fmt.Sprintf("Loaded page %d: %d records, %d eligible",
			info.PageNumber, info.RecordsInPage, info.EligibleInPage),
	}
}

func NewRecordsReadyEvent(total, pages int) RecordsReadyEvent {
	return RecordsReadyEvent{
		Type:       EventRecordsReady,
		Status:     "success",
		Total:      total,
		TotalPages: pages,
		Message:    fmt.Sprintf("Finished loading %d eligible records from %d pages", total, pages),
	}
}

func NewProcessingStartEvent(total int) ProcessingStartEvent {
	return ProcessingStartEvent{
		Type:    EventProcessingStart,
		Total:   total,
		Message: fmt.Sprintf("Starting processing of %d records", total),
	}
}

func NewProgressEvent(o Outcome) ProgressEvent {
	var msg string
	switch o.Status {
	case OutcomeSuccess:
		msg = fmt.Sprintf("Record %s (%s) processed successfully", o.DisplayName, o.RecordID)
	case OutcomeFailed:
		msg = fmt.Sprintf("Record %s (%s) processing failed", o.DisplayName, o.RecordID)
		if o.Reason != "" {
			msg += ": " + o.Reason
		}
	default:
		msg = fmt.Sprintf("Record %s (%s) processing error: %s", o.DisplayName, o.RecordID, o.Reason)
	}
	return ProgressEvent{
		Type:       EventProgress,
		RecordID:   o.RecordID,
		RecordName: o.DisplayName,
		Status:     o.Status,
		Processed:  o.Processed,
		Failed:     o.Failed,
		Total:      o.Total,
		Message:    msg,
	}
}

func NewCompleteEvent(s BatchSummary) CompleteEvent {
	if s.FailedRecords == nil {
		s.FailedRecords = []string{}
	}
	return CompleteEvent{
		Type:         EventComplete,
		Status:       "success",
		Message:      fmt.Sprintf("Processed %d out of %d records", s.Processed, s.Total),
		BatchSummary: s,
	}
}

// MsgNoEligibleRecords is reported when listing finds nothing to do.
const MsgNoEligibleRecords = "No eligible records found"

func NewErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: EventError, Status: "error", Message: msg}
}
