package ingest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	ErrNotRegistered   = errors.New("ingest: device is not registered")
	ErrNoSession       = errors.New("ingest: no session selected")
	ErrNoDestination   = errors.New("ingest: no destination directory")
	ErrNoBulkPending   = errors.New("ingest: no bulk warning is pending")
	ErrInvalidDecision = errors.New("ingest: invalid bulk decision")
	ErrInvalidFilename = errors.New("ingest: invalid filename")
)

// NetworkError wraps a transport failure (dial, timeout, reset, truncated body).
// A network error aborts the rest of the current poll cycle.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the remote source.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

type SizeMismatchError struct {
	Filename string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s: wrote %d bytes, expected %d", e.Filename, e.Actual, e.Expected)
}

type AcknowledgeError struct {
	Filenames []string
	Attempts  int
	Err       error
}

func (e *AcknowledgeError) Error() string {
	return fmt.Sprintf("acknowledge %s failed after %d attempts: %v", strings.Join(e.Filenames, ","), e.Attempts, e.Err)
}

func (e *AcknowledgeError) Unwrap() error { return e.Err }

type RegistrationError struct {
	Reason string
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registration failed: %s: %v", e.Reason, e.Err)
	}
	return "registration failed: " + e.Reason
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a transport-level failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// errorKind names the failure class carried by IngestError events.
func errorKind(err error) string {
	var (
		sizeErr *SizeMismatchError
		httpErr *HTTPError
		ackErr  *AcknowledgeError
	)
	switch {
	case IsNetworkError(err):
		return "network"
	case errors.As(err, &sizeErr):
		return "size_mismatch"
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &ackErr):
		return "acknowledge"
	case errors.Is(err, ErrInvalidFilename):
		return "invalid_filename"
	default:
		return "io"
	}
}
