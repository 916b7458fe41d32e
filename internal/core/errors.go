package core

import (
	"errors"
	"fmt"
)

var (
	ErrNoPrinterAvailable = errors.New("no printer available")
	ErrPrinterNotFound    = errors.New("printer not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotCancellable  = errors.New("job cannot be cancelled (not pending or printing)")
	ErrEmptyFilepath      = errors.New("job filepath is required")
)

// DiscoveryError is returned when the enumeration probe fails and no cached
// list is available to serve instead.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("printer discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// PrintError describes one failed native print attempt.
type PrintError struct {
	Printer string
	Timeout bool
	Err     error
}

func (e *PrintError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("print on %s timed out", e.Printer)
	case e.Err != nil:
		return fmt.Sprintf("print on %s failed: %v", e.Printer, e.Err)
	default:
		return fmt.Sprintf("print on %s failed", e.Printer)
	}
}

func (e *PrintError) Unwrap() error { return e.Err }
