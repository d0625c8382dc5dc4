// Package history records completed solves. Recording is best-effort: a
// failed write is logged and counted, never surfaced to the caller.
package history

import (
	"context"
	"time"
)

// ImageMeta describes one uploaded image attached to a solve.
type ImageMeta struct {
	Filename string
	MIMEType string
	Size     int64
}

// Entry is one completed solve.
type Entry struct {
	Caller      string
	Model       string
	Prompt      string
	Answer      string
	TotalTokens int32
	Images      []ImageMeta
	CreatedAt   time.Time
}

// Recorder persists solve entries.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Healthy() bool
	Close()
}

// Nop is the recorder used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, *Entry) error { return nil }
func (Nop) Healthy() bool                        { return true }
func (Nop) Close()                               {}
