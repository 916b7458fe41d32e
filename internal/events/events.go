// Package events is the notification channel shared by the engines. Events are
// typed payloads delivered best-effort to whoever is listening.
package events

import (
	"time"
)

type Type string

const (
	TypePrinterStatusChanged Type = "printer_status_changed"
	TypeJobStatusChanged     Type = "job_status_changed"
	TypePhotoReady           Type = "photo_ready"
	TypeIngestProgress       Type = "ingest_progress"
	TypeIngestError          Type = "ingest_error"
	TypeBulkWarning          Type = "bulk_warning"
	TypeConnectionChanged    Type = "connection_changed"
	TypeEngineError          Type = "engine_error"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() Type
}

type Event struct {
	Type      Type      `json:"type"`
	Data      Payload   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives events from the engines. Notify must not block and must not panic.
type Notifier interface {
	Notify(Payload)
}

// Discard drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Payload) {}

type PrinterStatusChanged struct {
	Printer        string `json:"printer"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
}

func (PrinterStatusChanged) EventType() Type { return TypePrinterStatusChanged }

type JobStatusChanged struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
	Printer  string `json:"printer"`
	Status   string `json:"status"`
	Retries  int    `json:"retries"`
	Error    string `json:"error,omitempty"`
}

func (JobStatusChanged) EventType() Type { return TypeJobStatusChanged }

// PhotoReady announces a file that landed on disk and can be handed to the queue.
type PhotoReady struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Source   string `json:"source"`
}

func (PhotoReady) EventType() Type { return TypePhotoReady }

type IngestProgress struct {
	SessionID  string `json:"session_id"`
	Filename   string `json:"filename"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	Generation uint64 `json:"generation"`
}

func (IngestProgress) EventType() Type { return TypeIngestProgress }

type IngestError struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename,omitempty"`
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal"`
}

func (IngestError) EventType() Type { return TypeIngestError }

type BulkWarning struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}

func (BulkWarning) EventType() Type { return TypeBulkWarning }

type ConnectionChanged struct {
	Connected bool `json:"connected"`
}

func (ConnectionChanged) EventType() Type { return TypeConnectionChanged }

type EngineError struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (EngineError) EventType() Type { return TypeEngineError }
