// Package oplog records git operations served over HTTP and persists them
// for auditing.
package oplog

//go:generate mockgen -destination=mocks/mock_oplog.go -package=mocks -source=record.go Recorder,Store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operation classifies a git request
type Operation string

const (
	// OperationPush covers receive-pack and its ref advertisement
	OperationPush Operation = "push"
	// OperationClone covers upload-pack and its ref advertisement
	OperationClone Operation = "clone"
	// OperationUnknown is used when the service could not be determined
	OperationUnknown Operation = "unknown"
)

// Record describes one completed git request. Records are never modified
// after they are handed to a Recorder.
type Record struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Operation  Operation         `json:"operation"`
	Repository string            `json:"repository"`
	User       string            `json:"user"`
	UserAgent  string            `json:"userAgent,omitempty"`
	ClientIP   string            `json:"clientIP,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration"`
	BytesIn    int64             `json:"bytesIn"`
	BytesOut   int64             `json:"bytesOut"`
	Details    map[string]string `json:"details,omitempty"`
}

// Duration returns the request duration
func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// withDefaults fills in the ID and timestamp when they are missing
func (r Record) withDefaults() Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Operation == "" {
		r.Operation = OperationUnknown
	}
	return r
}

// Recorder receives completed records. Implementations must not block the caller.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// Store persists records
type Store interface {
	// Append stores records in order
	Append(ctx context.Context, records ...Record) error

	// List returns the records matching filter, newest first
	List(ctx context.Context, filter Filter) ([]Record, error)

	// Close releases resources held by the store
	Close() error
}

// Filter selects records. Zero-valued fields match everything.
type Filter struct {
	Repository string
	User       string
	Operation  Operation
	Since      time.Time
	Limit      int
}

// Matches reports whether rec is selected by f, ignoring Limit
func (f Filter) Matches(rec Record) bool {
	if f.Repository != "" && rec.Repository != f.Repository {
		return false
	}
	if f.User != "" && rec.User != f.User {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Apply returns the matching records of records, newest first, truncated to Limit
func (f Filter) Apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// RecorderFunc adapts a function to the Recorder interface
type RecorderFunc func(ctx context.Context, rec Record)

// Record implements Recorder
func (f RecorderFunc) Record(ctx context.Context, rec Record) {
	f(ctx, rec)
}

// Tee fans a record out to several recorders
type Tee []Recorder

// Record implements Recorder
func (t Tee) Record(ctx context.Context, rec Record) {
	rec = rec.withDefaults()
	for _, r := range t {
		if r != nil {
			r.Record(ctx, rec)
		}
	}
}

// Discard drops every record
var Discard Recorder = RecorderFunc(func(context.Context, Record) {})
