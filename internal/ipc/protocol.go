// Package ipc defines the wire protocol of the daemon: framed binary or
// JSON requests over a local stream socket, one request and one response
// per connection.
package ipc

import (
	"engram/internal/memory"
)

// Action discriminates request variants on the wire.
type Action string

const (
	ActionPing             Action = "ping"
	ActionStatus           Action = "status"
	ActionCheckInit        Action = "check_init"
	ActionInitProject      Action = "init_project"
	ActionGetContext       Action = "get_context"
	ActionPrepareContext   Action = "prepare_context"
	ActionNotifyFileChange Action = "notify_file_change"
	ActionMemoryPut        Action = "memory_put"
	ActionMemoryGet        Action = "memory_get"
	ActionMemoryList       Action = "memory_list"
	ActionMemorySearch     Action = "memory_search"
	ActionMemoryPatch      Action = "memory_patch"
	ActionMemoryDelete     Action = "memory_delete"
	ActionMemorySync       Action = "memory_sync"
	ActionGraftExperience  Action = "graft_experience"
	ActionShutdown         Action = "shutdown"
)

// Mutating reports whether an action changes durable state. Non-mutating
// requests are subject to the router's soft deadline.
func (a Action) Mutating() bool {
	switch a {
	case ActionInitProject, ActionPrepareContext, ActionNotifyFileChange,
		ActionMemoryPut, ActionMemoryPatch, ActionMemoryDelete,
		ActionMemorySync, ActionGraftExperience, ActionShutdown:
		return true
	}
	return false
}

// Request is the tagged union of all client requests, flattened for the
// dual JSON/MessagePack encoding.
type Request struct {
	Action Action `json:"action" msgpack:"action"`

	Cwd       string `json:"cwd,omitempty" msgpack:"cwd,omitempty"`
	AsyncMode bool   `json:"async_mode,omitempty" msgpack:"async_mode,omitempty"`
	Prompt    string `json:"prompt,omitempty" msgpack:"prompt,omitempty"`

	// notify_file_change
	Path       string `json:"path,omitempty" msgpack:"path,omitempty"`
	ChangeType string `json:"change_type,omitempty" msgpack:"change_type,omitempty"`

	// memory operations
	Entry *memory.Entry `json:"entry,omitempty" msgpack:"entry,omitempty"`
	ID    string        `json:"id,omitempty" msgpack:"id,omitempty"`
	Patch *memory.Patch `json:"patch,omitempty" msgpack:"patch,omitempty"`

	// memory_list / memory_search
	Limit  int      `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Before int64    `json:"before,omitempty" msgpack:"before,omitempty"`
	Kinds  []string `json:"kinds,omitempty" msgpack:"kinds,omitempty"`
	Tags   []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Query  string   `json:"query,omitempty" msgpack:"query,omitempty"`

	// graft_experience
	Experience *Experience `json:"experience,omitempty" msgpack:"experience,omitempty"`
}

// Experience is the legacy agent-decision payload. It maps onto a
// memory_put of kind decision.
type Experience struct {
	AgentID      string   `json:"agent_id" msgpack:"agent_id"`
	Decision     string   `json:"decision" msgpack:"decision"`
	Rationale    string   `json:"rationale,omitempty" msgpack:"rationale,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty" msgpack:"files_touched,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// Status discriminates response variants.
type Status string

const (
	StatusOk    Status = "ok"
	StatusAck   Status = "ack"
	StatusError Status = "error"
)

// ErrorCode labels error responses.
type ErrorCode string

const (
	ErrNotInitialized     ErrorCode = "not_initialized"
	ErrInvalidRequest     ErrorCode = "invalid_request"
	ErrNotFound           ErrorCode = "not_found"
	ErrConflict           ErrorCode = "conflict"
	ErrStorageUnavailable ErrorCode = "storage_unavailable"
	ErrTimeout            ErrorCode = "timeout"
	ErrInternal           ErrorCode = "internal"
)

// Response is the tagged union of daemon responses.
type Response struct {
	Status  Status        `json:"status" msgpack:"status"`
	Data    *ResponseData `json:"data,omitempty" msgpack:"data,omitempty"`
	Code    ErrorCode     `json:"code,omitempty" msgpack:"code,omitempty"`
	Message string        `json:"message,omitempty" msgpack:"message,omitempty"`
}

// ResponseData carries the payload of an ok response.
type ResponseData struct {
	Type string `json:"type" msgpack:"type"`

	// init_status
	Initialized *bool `json:"initialized,omitempty" msgpack:"initialized,omitempty"`

	// context
	Context string   `json:"context,omitempty" msgpack:"context,omitempty"`
	Nodes   []string `json:"nodes,omitempty" msgpack:"nodes,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`

	// status
	DaemonStatus *DaemonStatus `json:"daemon_status,omitempty" msgpack:"daemon_status,omitempty"`

	// memory
	Entry   *memory.Entry  `json:"entry,omitempty" msgpack:"entry,omitempty"`
	Entries []memory.Entry `json:"entries,omitempty" msgpack:"entries,omitempty"`
	ID      string         `json:"id,omitempty" msgpack:"id,omitempty"`
}

// ResponseData type discriminators.
const (
	DataInitStatus    = "init_status"
	DataContext       = "context"
	DataPong          = "pong"
	DataStatus        = "status"
	DataMemoryEntry   = "memory_entry"
	DataMemoryEntries = "memory_entries"
	DataMemoryAck     = "memory_ack"
)

// DaemonStatus is the state snapshot returned by a status request.
type DaemonStatus struct {
	Version          string                    `json:"version" msgpack:"version"`
	UptimeSecs       uint64                    `json:"uptime_secs" msgpack:"uptime_secs"`
	ProjectsLoaded   int                       `json:"projects_loaded" msgpack:"projects_loaded"`
	MemoryUsageBytes uint64                    `json:"memory_usage_bytes" msgpack:"memory_usage_bytes"`
	RequestsTotal    uint64                    `json:"requests_total" msgpack:"requests_total"`
	CacheHitRate     float64                   `json:"cache_hit_rate" msgpack:"cache_hit_rate"`
	AvgLatencyMs     uint64                    `json:"avg_latency_ms" msgpack:"avg_latency_ms"`
	TasksDropped     uint64                    `json:"tasks_dropped" msgpack:"tasks_dropped"`
	Latencies        map[string]LatencySummary `json:"latencies,omitempty" msgpack:"latencies,omitempty"`
}

// LatencySummary is one operation's rolling percentiles in microseconds.
type LatencySummary struct {
	P50us   int64 `json:"p50_us" msgpack:"p50_us"`
	P90us   int64 `json:"p90_us" msgpack:"p90_us"`
	P99us   int64 `json:"p99_us" msgpack:"p99_us"`
	Samples int   `json:"samples" msgpack:"samples"`
}

// Ok builds a success response with no payload.
func Ok() Response {
	return Response{Status: StatusOk}
}

// OkWith builds a success response carrying data.
func OkWith(data ResponseData) Response {
	return Response{Status: StatusOk, Data: &data}
}

// Ack builds an acknowledgment response.
func Ack() Response {
	return Response{Status: StatusAck}
}

// Errorf builds an error response.
func Errorf(code ErrorCode, message string) Response {
	return Response{Status: StatusError, Code: code, Message: message}
}
