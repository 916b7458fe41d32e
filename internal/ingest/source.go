package ingest

import (
	"context"
	"io"
)

// Item is one photo waiting on the remote source.
type Item struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Source is the remote photo service the poller drains.
type Source interface {
	// Register exchanges an activation key for an access token.
	Register(ctx context.Context, key string) (string, error)
	ListPending(ctx context.Context, token, sessionID string) ([]Item, error)
	Download(ctx context.Context, token string, item Item) (io.ReadCloser, error)
	Acknowledge(ctx context.Context, token, sessionID string, filenames []string) error
	CheckConnectivity(ctx context.Context, token string) bool
}

type BulkDecision string

const (
	DecisionDownload BulkDecision = "download"
	DecisionSkip     BulkDecision = "skip"
	DecisionGallery  BulkDecision = "gallery"
)

func (d BulkDecision) Valid() bool {
	switch d {
	case DecisionDownload, DecisionSkip, DecisionGallery:
		return true
	}
	return false
}
