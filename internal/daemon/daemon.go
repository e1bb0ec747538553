// Package daemon wires the subsystems together: socket server, project
// store, composer, cache, background queue, watchers, and lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"engram/internal/compose"
	"engram/internal/config"
	"engram/internal/ignore"
	"engram/internal/index"
	"engram/internal/ipc"
	"engram/internal/memory"
	"engram/internal/metrics"
	"engram/internal/project"
	"engram/internal/scan"
	"engram/internal/store"
	"engram/internal/task"
	"engram/internal/tree"
	"engram/internal/watch"
)

// Version is reported by status.
const Version = "0.1.0"

// Shutdown drain cap for the background queue.
const shutdownGrace = 5 * time.Second

// Snapshot cadence and retention.
const (
	snapshotInterval = time.Hour
	snapshotKeep     = 3
)

// Daemon is the running server.
type Daemon struct {
	cfg      *config.Config
	layout   *project.Layout
	store    *store.Store
	cache    *compose.Cache
	composer *compose.Composer
	queue    *task.Queue
	metrics  *metrics.Metrics
	monitor  *store.Monitor
	server   *ipc.Server

	searchWeights memory.Weights
	searchTau     time.Duration

	watchersMu sync.Mutex
	watchers   map[string]*watch.Watcher

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a daemon from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	layout := project.NewLayout(cfg.ProjectsDir())
	scanOpts := scan.Options{ExcludePatterns: cfg.AutoInit.ExcludePatterns}

	d := &Daemon{
		cfg:      cfg,
		layout:   layout,
		store:    store.New(layout, cfg.MaxProjects, scanOpts),
		cache:    compose.NewCache(cfg.Cache.PerProjectEntries, cfg.Cache.PerProjectBytes),
		queue:    task.New(task.DefaultCapacity, task.DefaultWorkers),
		metrics:  metrics.New(),
		watchers: make(map[string]*watch.Watcher),
		searchWeights: memory.Weights{
			Recency: cfg.Memory.Search.Weights.Recency,
			Kind:    cfg.Memory.Search.Weights.Kind,
			Tags:    cfg.Memory.Search.Weights.Tags,
			Lex:     cfg.Memory.Search.Weights.Lex,
		},
		searchTau:  time.Duration(cfg.Memory.Search.TauDays * 24 * float64(time.Hour)),
		shutdownCh: make(chan struct{}),
	}

	d.composer = compose.NewComposer()
	d.composer.MaxRenderBytes = cfg.Context.MaxRenderBytes
	d.composer.AutoLoadedCap = cfg.Context.AutoLoadedCap

	d.store.OnLoad = d.onProjectLoad
	d.store.OnEvict = d.onProjectEvict
	d.monitor = store.NewMonitor(d.store, cfg.MaxMemory)

	return d, nil
}

// Run starts the daemon and blocks until shutdown. Exit codes follow the
// documented contract: 1 for a second instance or fatal init error.
func (d *Daemon) Run() error {
	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(d.cfg.PIDFile())

	handler := &Handler{d: d}
	d.server = ipc.NewServer(handler, d.metrics)
	if err := d.server.Listen(d.cfg.SocketPath); err != nil {
		return err
	}
	defer os.Remove(d.cfg.SocketPath)

	d.monitor.Start()
	go d.snapshotLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
			d.RequestShutdown()
		case <-d.shutdownCh:
		}
	}()

	log.Info().Str("socket", d.cfg.SocketPath).Str("data_dir", d.cfg.DataDir).
		Msg("engram daemon listening")
	go d.server.Serve()

	<-d.shutdownCh

	d.server.Close()
	d.queue.Shutdown(shutdownGrace)
	d.stopAllWatchers()
	d.monitor.Stop()
	d.store.Shutdown()
	log.Info().Msg("engram daemon stopped")
	return nil
}

// RequestShutdown triggers the drain path. Idempotent.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// writePIDFile claims the single-instance pid file. A live pid means a
// second instance: refuse to start.
func (d *Daemon) writePIDFile() error {
	path := d.cfg.PIDFile()
	if data, err := os.ReadFile(path); err == nil {
		if pid, parseErr := strconv.Atoi(string(data)); parseErr == nil && pidAlive(pid) {
			return fmt.Errorf("another instance is running (pid %d)", pid)
		}
		// Stale pid file from a dead process.
		os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// composeAndCache builds, renders, and caches one context.
func (d *Daemon) composeAndCache(p *store.Project, prompt string) *compose.CacheEntry {
	var entry *compose.CacheEntry
	p.View(func() error {
		view := &compose.ProjectView{
			Hash:     p.Hash,
			RootPath: p.RootPath,
			Tree:     p.Tree,
			Skeleton: p.Skeleton,
			Memory:   p.Memory,
			Changes:  p.Changes,
		}
		scope := d.composer.Compose(view, prompt, nil)
		text := compose.Render(scope, view, d.cfg.Context.MaxRenderBytes)
		entry = &compose.CacheEntry{
			ProjectHash: p.Hash,
			Fingerprint: compose.Fingerprint(prompt, nil),
			Text:        text,
			NodeIDs:     scope.NodeIDs(),
			MemoryCount: len(scope.Anchor.RecentMemories),
			BuiltAt:     time.Now(),
		}
		return nil
	})
	d.cache.Put(entry)
	return entry
}

// scheduleReindex posts an incremental re-index for a project's pending
// changes.
func (d *Daemon) scheduleReindex(hash, rootPath string) {
	d.queue.TrySend(task.Task{
		Name:    "reindex",
		Project: hash,
		Run: func(ctx context.Context) {
			p, err := d.store.Get(ctx, rootPath)
			if err != nil {
				log.Debug().Err(err).Str("project", hash).Msg("reindex: load failed")
				return
			}
			d.applyPendingChanges(ctx, p)
		},
	})
}

// applyPendingChanges drains the durable change queue and patches the tree.
func (d *Daemon) applyPendingChanges(ctx context.Context, p *store.Project) {
	start := time.Now()
	applied := false
	err := p.Mutate(func() error {
		batch, ids, err := p.Changes.Pending()
		if err != nil {
			return err
		}
		if batch.Empty() {
			return p.Changes.MarkProcessed(ids)
		}

		ix := index.New(p.RootPath, p.Tree)
		res := ix.Apply(ctx, index.Batch{
			Created:  batch.Created,
			Modified: batch.Modified,
			Deleted:  batch.Deleted,
		})
		applied = true

		d.cache.InvalidateNodes(p.Hash, res.Touched)

		// Refresh derived state and persist the new blobs.
		files, symbols, mix := p.Tree.Counts()
		p.Manifest.IndexedAt = time.Now().UnixMilli()
		p.Manifest.FileCount = files
		p.Manifest.SymbolCount = symbols
		p.Manifest.LanguageMix = mix
		p.Skeleton = tree.BuildSkeleton(p.Tree)

		if err := d.store.SaveProjectData(p.Hash, p.Tree, p.Skeleton); err != nil {
			return err
		}
		if err := p.Manifest.Save(d.layout.ManifestPath(p.Hash)); err != nil {
			return err
		}
		return p.Changes.MarkProcessed(ids)
	})
	if err != nil {
		log.Warn().Err(err).Str("project", p.Hash).Msg("incremental re-index failed")
		return
	}
	if applied {
		d.metrics.RecordOp(metrics.OpScanIncremental, time.Since(start))
	}
}

// maybeAutoInit queues an init scan for an uninitialized project when the
// configuration allows it. Never synchronous.
func (d *Daemon) maybeAutoInit(cwd string) {
	if !d.cfg.AutoInit.Enabled || cwd == "" || d.store.IsInitialized(cwd) {
		return
	}

	d.queue.TrySend(task.Task{
		Name: "auto_init",
		Run: func(ctx context.Context) {
			count, err := countCandidateFiles(cwd, d.cfg.AutoInit.ExcludePatterns, d.cfg.AutoInit.MinFiles)
			if err != nil || count < d.cfg.AutoInit.MinFiles {
				return
			}
			start := time.Now()
			if _, err := d.store.Init(ctx, cwd); err != nil {
				log.Debug().Err(err).Str("cwd", cwd).Msg("auto init failed")
				return
			}
			d.metrics.RecordOp(metrics.OpScanFull, time.Since(start))
			log.Info().Str("cwd", cwd).Msg("project auto-initialized")
		},
	})
}

// writeInitialManifest durably creates the bare manifest for async init.
func (d *Daemon) writeInitialManifest(cwd string) error {
	canonical, err := project.Canonicalize(cwd)
	if err != nil {
		return err
	}
	hash, err := project.HashPath(canonical)
	if err != nil {
		return err
	}
	if d.layout.Initialized(hash) {
		return nil
	}
	if err := d.layout.EnsureDir(hash); err != nil {
		return err
	}
	m := &project.Manifest{
		SchemaVersion: project.SchemaVersion,
		RootPath:      canonical,
		CreatedAt:     time.Now().UnixMilli(),
	}
	return m.Save(d.layout.ManifestPath(hash))
}

// onProjectLoad starts the file watcher feeding the project's durable
// change queue.
func (d *Daemon) onProjectLoad(p *store.Project) {
	d.queue.ReviveProject(p.Hash)

	matcher := ignore.NewMatcher(p.RootPath)
	if err := matcher.LoadGitignore(); err != nil {
		log.Debug().Err(err).Str("project", p.Hash).Msg("loading gitignore for watcher failed")
	}
	matcher.AddAll(d.cfg.AutoInit.ExcludePatterns)

	w, err := watch.New(p.RootPath, matcher)
	if err != nil {
		log.Warn().Err(err).Str("project", p.Hash).Msg("watcher creation failed")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("project", p.Hash).Msg("watcher start failed")
		return
	}

	d.watchersMu.Lock()
	if old := d.watchers[p.Hash]; old != nil {
		old.Close()
	}
	d.watchers[p.Hash] = w
	d.watchersMu.Unlock()

	go d.pumpWatcher(p, w)
	log.Debug().Str("project", p.Hash).Msg("watcher started")
}

// pumpWatcher commits watcher batches durably and schedules re-indexing.
func (d *Daemon) pumpWatcher(p *store.Project, w *watch.Watcher) {
	for batch := range w.Batches() {
		err := p.Mutate(func() error {
			return p.Changes.EnqueueBatch(batch)
		})
		if err != nil {
			log.Warn().Err(err).Str("project", p.Hash).Msg("committing watcher batch failed")
			continue
		}
		d.scheduleReindex(p.Hash, p.RootPath)
	}
}

// onProjectEvict cancels queued work and stops the watcher.
func (d *Daemon) onProjectEvict(hash string) {
	d.queue.CancelProject(hash)
	d.cache.InvalidateProject(hash)

	d.watchersMu.Lock()
	if w := d.watchers[hash]; w != nil {
		w.Close()
		delete(d.watchers, hash)
	}
	d.watchersMu.Unlock()
}

func (d *Daemon) stopAllWatchers() {
	d.watchersMu.Lock()
	defer d.watchersMu.Unlock()
	for hash, w := range d.watchers {
		w.Close()
		delete(d.watchers, hash)
	}
}

// snapshotLoop periodically snapshots loaded projects.
func (d *Daemon) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			for _, hash := range d.store.LoadedHashes() {
				ts := time.Now().Unix()
				if err := d.layout.Snapshot(hash, ts, snapshotKeep); err != nil {
					log.Warn().Err(err).Str("project", hash).Msg("snapshot failed")
				}
			}
		}
	}
}

// countCandidateFiles counts non-ignored regular files under a root,
// stopping early once min is reached.
func countCandidateFiles(root string, excludePatterns []string, min int) (int, error) {
	matcher := ignore.NewMatcher(root)
	if err := matcher.LoadGitignore(); err != nil {
		return 0, err
	}
	matcher.AddAll(excludePatterns)

	count := 0
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if entry.IsDir() {
			if matcher.Match(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if matcher.Match(rel, false) {
			return nil
		}
		count++
		if count >= min {
			return fs.SkipAll
		}
		return nil
	})
	return count, err
}

// isStorageError classifies disk-level failures for the error response
// mapping.
func isStorageError(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EROFS)
}
