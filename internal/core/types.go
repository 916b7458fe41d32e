package core

import (
	"context"
	"time"
)

type Status string

const (
	StatusReady   Status = "ready"
	StatusBusy    Status = "busy"
	StatusPaused  Status = "paused"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// Healthy reports whether a printer in this status may receive work.
func (s Status) Healthy() bool {
	return s != StatusOffline && s != StatusError
}

// rank orders statuses when several listings describe one physical device.
func (s Status) rank() int {
	switch s {
	case StatusReady:
		return 5
	case StatusBusy:
		return 4
	case StatusPaused:
		return 3
	case StatusUnknown:
		return 2
	default:
		return 1
	}
}

type Capabilities struct {
	MediaSizes []string `json:"media_sizes,omitempty"`
	MediaTypes []string `json:"media_types,omitempty"`
	Color      bool     `json:"color"`
	Duplex     bool     `json:"duplex"`
}

type PrinterRecord struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Status       Status       `json:"status"`
	IsDefault    bool         `json:"is_default"`
	Capabilities Capabilities `json:"capabilities"`
	Model        string       `json:"model,omitempty"`
	DeviceID     string       `json:"device_id,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
}

func (p PrinterRecord) clone() PrinterRecord {
	c := p
	c.Capabilities.MediaSizes = append([]string(nil), p.Capabilities.MediaSizes...)
	c.Capabilities.MediaTypes = append([]string(nil), p.Capabilities.MediaTypes...)
	return c
}

// CodeScheme tells DeriveStatus how to read RawDevice.StatusCode.
type CodeScheme int

const (
	SchemeIPP CodeScheme = iota
	SchemeWin32
)

// RawDevice is a device descriptor as reported by the OS enumeration call.
type RawDevice struct {
	Name        string
	DisplayName string
	Description string
	StatusCode  int
	Scheme      CodeScheme
	IsDefault   bool
	Options     map[string]string
}

// Enumerator lists the printers visible to the OS.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]RawDevice, error)
}

type PrintRequest struct {
	Path        string
	Printer     string
	Copies      int
	Color       bool
	PaperSize   string
	Orientation string
	Silent      bool
}

// PrintDriver invokes the native print call. A false result without an error
// is an ordinary print failure.
type PrintDriver interface {
	Print(ctx context.Context, req PrintRequest) (bool, error)
}

// CacheStore is the persistent key-value cache used for the discovery fallback.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusPrinting  JobStatus = "printing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type JobOptions struct {
	Printer     string `json:"printer,omitempty"`
	Copies      int    `json:"copies"`
	Color       bool   `json:"color"`
	PaperSize   string `json:"paper_size,omitempty"`
	Orientation string `json:"orientation,omitempty"`
	Silent      bool   `json:"silent"`
}

type Job struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	Filepath    string     `json:"filepath"`
	PrinterName string     `json:"printer_name"`
	Status      JobStatus  `json:"status"`
	Options     JobOptions `json:"options"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Retries     int        `json:"retries"`
	Tried       []string   `json:"tried,omitempty"`

	// seq increases with every published state change.
	seq uint64
}

func (j *Job) clone() Job {
	c := *j
	c.Tried = append([]string(nil), j.Tried...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

type QueueSnapshot struct {
	Pending   int   `json:"pending"`
	Printing  int   `json:"printing"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Cancelled int   `json:"cancelled"`
	Active    int   `json:"active"`
	Total     int   `json:"total"`
	Jobs      []Job `json:"jobs"`
}

type HealthSnapshot struct {
	Online    int               `json:"online"`
	Offline   int               `json:"offline"`
	Printers  map[string]Status `json:"printers"`
	LastCheck time.Time         `json:"last_check"`
}
