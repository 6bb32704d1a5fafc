// Package sink delivers finished artifacts to durable storage.
package sink

import (
	"context"
	"io"
)

// Ref identifies an artifact inside a sink.
type Ref struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	// URI is a sink-specific locator; for FileSink it is the absolute path.
	URI  string `json:"uri"`
	Size int64  `json:"size"`
}

// Sink accepts finished artifacts.
type Sink interface {
	Insert(ctx context.Context, name, mimeType string, r io.Reader) (Ref, error)
}
