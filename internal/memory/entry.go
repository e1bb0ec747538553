// Package memory implements the durable, typed agent memory store: an
// append-only per-project log with a replay-rebuilt in-memory index.
package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a memory entry.
type Kind string

const (
	KindDecision        Kind = "decision"
	KindToolObservation Kind = "tool_observation"
	KindFailure         Kind = "failure"
	KindSessionSummary  Kind = "session_summary"
	KindTaskResult      Kind = "task_result"
	KindContextNote     Kind = "context_note"
)

// ValidKind reports whether k names a known kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindDecision, KindToolObservation, KindFailure,
		KindSessionSummary, KindTaskResult, KindContextNote:
		return true
	}
	return false
}

// Validation limits.
const (
	MaxContentBytes = 256 * 1024
	MaxTags         = 64
)

// Store errors, mapped to IPC error codes at the handler boundary.
var (
	ErrNotFound     = errors.New("memory entry not found")
	ErrInvalidEntry = errors.New("invalid memory entry")
	ErrTombstoned   = errors.New("memory entry is deleted")
)

// Entry is a durable agent-visible record. The msgpack tags keep the binary
// wire form aligned with the JSON log form.
type Entry struct {
	ID         string   `json:"id" msgpack:"id"`
	Kind       Kind     `json:"kind" msgpack:"kind"`
	Content    string   `json:"content" msgpack:"content"`
	Tags       []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
	CreatedAt  int64    `json:"created_at" msgpack:"created_at"`
	UpdatedAt  int64    `json:"updated_at" msgpack:"updated_at"`
	SessionID  string   `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	SubagentID string   `json:"subagent_id,omitempty" msgpack:"subagent_id,omitempty"`
	Deleted    bool     `json:"deleted,omitempty" msgpack:"deleted,omitempty"`
}

// Validate checks the entry against the store limits.
func (e *Entry) Validate() error {
	if !ValidKind(e.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidEntry)
	}
	if len(e.Content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidEntry, MaxContentBytes)
	}
	if len(e.Tags) > MaxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidEntry, MaxTags)
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched. An empty-string
// SessionID or SubagentID clears the field.
type Patch struct {
	Kind       *Kind     `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Content    *string   `json:"content,omitempty" msgpack:"content,omitempty"`
	Tags       *[]string `json:"tags,omitempty" msgpack:"tags,omitempty"`
	SessionID  *string   `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	SubagentID *string   `json:"subagent_id,omitempty" msgpack:"subagent_id,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return p.Kind == nil && p.Content == nil && p.Tags == nil &&
		p.SessionID == nil && p.SubagentID == nil
}

// NewID returns a time-ordered unique entry id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// nowMs returns the current wall clock in milliseconds, the timestamp unit
// used throughout the log.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
