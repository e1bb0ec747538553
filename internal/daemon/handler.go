package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"engram/internal/compose"
	"engram/internal/ipc"
	"engram/internal/memory"
	"engram/internal/metrics"
	"engram/internal/store"
	"engram/internal/task"
	"engram/internal/watch"
)

// Handler dispatches decoded IPC requests against the daemon state.
type Handler struct {
	d *Daemon
}

// Handle implements ipc.Handler.
func (h *Handler) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Action {
	case ipc.ActionPing:
		return ipc.OkWith(ipc.ResponseData{Type: ipc.DataPong, Timestamp: time.Now().UnixMilli()})
	case ipc.ActionStatus:
		return h.handleStatus()
	case ipc.ActionCheckInit:
		initialized := h.d.store.IsInitialized(req.Cwd)
		return ipc.OkWith(ipc.ResponseData{Type: ipc.DataInitStatus, Initialized: &initialized})
	case ipc.ActionInitProject:
		return h.handleInit(ctx, req)
	case ipc.ActionGetContext:
		return h.handleGetContext(ctx, req)
	case ipc.ActionPrepareContext:
		return h.handlePrepareContext(req)
	case ipc.ActionNotifyFileChange:
		return h.handleNotifyFileChange(ctx, req)
	case ipc.ActionMemoryPut:
		return h.handleMemoryPut(ctx, req)
	case ipc.ActionMemoryGet:
		return h.handleMemoryGet(ctx, req)
	case ipc.ActionMemoryList:
		return h.handleMemoryList(ctx, req)
	case ipc.ActionMemorySearch:
		return h.handleMemorySearch(ctx, req)
	case ipc.ActionMemoryPatch:
		return h.handleMemoryPatch(ctx, req)
	case ipc.ActionMemoryDelete:
		return h.handleMemoryDelete(ctx, req)
	case ipc.ActionMemorySync:
		return h.handleMemorySync(ctx, req)
	case ipc.ActionGraftExperience:
		return h.handleGraft(ctx, req)
	case ipc.ActionShutdown:
		h.d.RequestShutdown()
		return ipc.Ack()
	default:
		return ipc.Errorf(ipc.ErrInvalidRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (h *Handler) handleStatus() ipc.Response {
	m := h.d.metrics

	latencies := make(map[string]ipc.LatencySummary)
	for op, p := range m.Percentiles() {
		latencies[op] = ipc.LatencySummary{
			P50us:   p.P50.Microseconds(),
			P90us:   p.P90.Microseconds(),
			P99us:   p.P99.Microseconds(),
			Samples: p.Samples,
		}
	}

	return ipc.OkWith(ipc.ResponseData{
		Type: ipc.DataStatus,
		DaemonStatus: &ipc.DaemonStatus{
			Version:          Version,
			UptimeSecs:       m.UptimeSecs(),
			ProjectsLoaded:   h.d.store.LoadedCount(),
			MemoryUsageBytes: store.Usage(),
			RequestsTotal:    m.RequestsTotal.Load(),
			CacheHitRate:     m.CacheHitRate(),
			AvgLatencyMs:     uint64(m.AvgLatency().Milliseconds()),
			TasksDropped:     h.d.queue.Dropped(),
			Latencies:        latencies,
		},
	})
}

func (h *Handler) handleInit(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Cwd == "" {
		return ipc.Errorf(ipc.ErrInvalidRequest, "init_project requires cwd")
	}

	if req.AsyncMode {
		// Manifest durably written now; the first scan runs on the queue.
		if err := h.d.writeInitialManifest(req.Cwd); err != nil {
			return errorResponse(err)
		}
		cwd := req.Cwd
		h.d.queue.TrySend(task.Task{
			Name: "init_scan",
			Run: func(taskCtx context.Context) {
				start := time.Now()
				if _, err := h.d.store.Init(taskCtx, cwd); err != nil {
					log.Warn().Err(err).Str("cwd", cwd).Msg("async init scan failed")
					return
				}
				h.d.metrics.RecordOp(metrics.OpScanFull, time.Since(start))
			},
		})
		return ipc.Ok()
	}

	start := time.Now()
	if _, err := h.d.store.Init(ctx, req.Cwd); err != nil {
		return errorResponse(err)
	}
	h.d.metrics.RecordOp(metrics.OpScanFull, time.Since(start))
	return ipc.Ok()
}

func (h *Handler) handleGetContext(ctx context.Context, req ipc.Request) ipc.Response {
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		h.d.maybeAutoInit(req.Cwd)
		return resp
	}

	start := time.Now()
	fingerprint := compose.Fingerprint(req.Prompt, nil)
	if entry, ok := h.d.cache.Get(p.Hash, fingerprint); ok {
		h.d.metrics.CacheHits.Add(1)
		h.d.metrics.RecordOp(metrics.OpContextGetWarm, time.Since(start))
		return contextResponse(entry)
	}
	h.d.metrics.CacheMisses.Add(1)

	entry := h.d.composeAndCache(p, req.Prompt)
	h.d.metrics.RecordOp(metrics.OpContextGetCold, time.Since(start))
	return contextResponse(entry)
}

func contextResponse(entry *compose.CacheEntry) ipc.Response {
	nodes := make([]string, len(entry.NodeIDs))
	for i, id := range entry.NodeIDs {
		nodes[i] = strconv.FormatUint(uint64(id), 10)
	}
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataContext, Context: entry.Text, Nodes: nodes})
}

func (h *Handler) handlePrepareContext(req ipc.Request) ipc.Response {
	cwd, prompt := req.Cwd, req.Prompt
	if !h.d.store.IsInitialized(cwd) {
		h.d.maybeAutoInit(cwd)
		return ipc.Ack()
	}

	h.d.queue.TrySend(task.Task{
		Name: "prepare_context",
		Run: func(taskCtx context.Context) {
			p, err := h.d.store.Get(taskCtx, cwd)
			if err != nil {
				log.Debug().Err(err).Str("cwd", cwd).Msg("prepare: project load failed")
				return
			}
			fingerprint := compose.Fingerprint(prompt, nil)
			if _, ok := h.d.cache.Get(p.Hash, fingerprint); ok {
				return
			}
			h.d.composeAndCache(p, prompt)
		},
	})
	return ipc.Ack()
}

func (h *Handler) handleNotifyFileChange(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Path == "" {
		return ipc.Errorf(ipc.ErrInvalidRequest, "notify_file_change requires path")
	}
	kind := watch.Kind(req.ChangeType)
	switch kind {
	case watch.Created, watch.Modified, watch.Deleted:
	default:
		return ipc.Errorf(ipc.ErrInvalidRequest, fmt.Sprintf("unknown change_type %q", req.ChangeType))
	}

	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	// Durable enqueue before the ack; the same queue the watcher feeds.
	err := p.Mutate(func() error {
		return p.Changes.Enqueue(req.Path, kind)
	})
	if err != nil {
		return errorResponse(err)
	}

	h.d.scheduleReindex(p.Hash, p.RootPath)
	return ipc.Ack()
}

func (h *Handler) handleMemoryPut(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Entry == nil {
		return ipc.Errorf(ipc.ErrInvalidRequest, "memory_put requires entry")
	}
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	start := time.Now()
	var stored memory.Entry
	err := p.Mutate(func() error {
		var putErr error
		stored, putErr = p.Memory.Put(*req.Entry)
		return putErr
	})
	if err != nil {
		return errorResponse(err)
	}
	h.d.metrics.RecordOp(metrics.OpMemoryPut, time.Since(start))
	h.d.cache.InvalidateProject(p.Hash)
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataMemoryAck, ID: stored.ID})
}

func (h *Handler) handleMemoryGet(ctx context.Context, req ipc.Request) ipc.Response {
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	var entry memory.Entry
	err := p.View(func() error {
		var getErr error
		entry, getErr = p.Memory.Get(req.ID)
		return getErr
	})
	if err != nil {
		return errorResponse(err)
	}
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataMemoryEntry, Entry: &entry})
}

func (h *Handler) handleMemoryList(ctx context.Context, req ipc.Request) ipc.Response {
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	var entries []memory.Entry
	p.View(func() error {
		entries = p.Memory.List(memory.ListQuery{
			Limit:  req.Limit,
			Before: req.Before,
			Kinds:  toKinds(req.Kinds),
			Tags:   req.Tags,
		})
		return nil
	})
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataMemoryEntries, Entries: entries})
}

func (h *Handler) handleMemorySearch(ctx context.Context, req ipc.Request) ipc.Response {
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	start := time.Now()
	var entries []memory.Entry
	p.View(func() error {
		entries = p.Memory.Search(memory.SearchQuery{
			Query: req.Query,
			Limit: req.Limit,
			Kinds: toKinds(req.Kinds),
			Tags:  req.Tags,
		}, h.d.searchWeights, h.d.searchTau)
		return nil
	})
	h.d.metrics.RecordOp(metrics.OpMemorySearch, time.Since(start))
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataMemoryEntries, Entries: entries})
}

func (h *Handler) handleMemoryPatch(ctx context.Context, req ipc.Request) ipc.Response {
	if req.ID == "" || req.Patch == nil {
		return ipc.Errorf(ipc.ErrInvalidRequest, "memory_patch requires id and patch")
	}
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	err := p.Mutate(func() error {
		_, patchErr := p.Memory.Patch(req.ID, *req.Patch)
		return patchErr
	})
	if err != nil {
		return errorResponse(err)
	}
	h.d.cache.InvalidateProject(p.Hash)
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataMemoryAck, ID: req.ID})
}

func (h *Handler) handleMemoryDelete(ctx context.Context, req ipc.Request) ipc.Response {
	if req.ID == "" {
		return ipc.Errorf(ipc.ErrInvalidRequest, "memory_delete requires id")
	}
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	err := p.Mutate(func() error {
		return p.Memory.Delete(req.ID)
	})
	if err != nil {
		return errorResponse(err)
	}
	h.d.cache.InvalidateProject(p.Hash)
	return ipc.OkWith(ipc.ResponseData{Type: ipc.DataMemoryAck, ID: req.ID})
}

func (h *Handler) handleMemorySync(ctx context.Context, req ipc.Request) ipc.Response {
	p, resp := h.project(ctx, req.Cwd)
	if p == nil {
		return resp
	}

	err := p.Mutate(func() error {
		return p.Memory.Sync()
	})
	if err != nil {
		return errorResponse(err)
	}
	h.d.cache.InvalidateProject(p.Hash)
	return ipc.Ok()
}

// handleGraft maps the legacy experience payload onto a memory put of kind
// decision. Same durability contract: ack only after the append.
func (h *Handler) handleGraft(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Experience == nil || req.Experience.Decision == "" {
		return ipc.Errorf(ipc.ErrInvalidRequest, "graft_experience requires a decision")
	}

	exp := req.Experience
	content := exp.Decision
	if exp.Rationale != "" {
		content += "\nRationale: " + exp.Rationale
	}
	entry := memory.Entry{
		Kind:       memory.KindDecision,
		Content:    content,
		Tags:       exp.FilesTouched,
		SubagentID: exp.AgentID,
	}
	if exp.Timestamp > 0 {
		entry.CreatedAt = exp.Timestamp * 1000
	}

	return h.handleMemoryPut(ctx, ipc.Request{
		Action: ipc.ActionMemoryPut,
		Cwd:    req.Cwd,
		Entry:  &entry,
	})
}

// project loads the live project for cwd or produces the error response.
func (h *Handler) project(ctx context.Context, cwd string) (*store.Project, ipc.Response) {
	if cwd == "" {
		return nil, ipc.Errorf(ipc.ErrInvalidRequest, "request requires cwd")
	}
	p, err := h.d.store.Get(ctx, cwd)
	if err != nil {
		return nil, errorResponse(err)
	}
	return p, ipc.Response{}
}

// errorResponse maps store and memory errors onto IPC error codes.
func errorResponse(err error) ipc.Response {
	switch {
	case errors.Is(err, store.ErrNotInitialized):
		return ipc.Errorf(ipc.ErrNotInitialized, "project not initialized; run init first")
	case errors.Is(err, memory.ErrNotFound):
		return ipc.Errorf(ipc.ErrNotFound, err.Error())
	case errors.Is(err, memory.ErrInvalidEntry):
		return ipc.Errorf(ipc.ErrInvalidRequest, err.Error())
	case isStorageError(err):
		return ipc.Errorf(ipc.ErrStorageUnavailable, err.Error())
	default:
		return ipc.Errorf(ipc.ErrInternal, err.Error())
	}
}

func toKinds(raw []string) []memory.Kind {
	kinds := make([]memory.Kind, 0, len(raw))
	for _, k := range raw {
		kinds = append(kinds, memory.Kind(k))
	}
	return kinds
}
