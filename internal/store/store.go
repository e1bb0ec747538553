// Package store owns the bounded working set of live projects: LRU loading
// and eviction, per-project mutation locks, and the memory pressure policy.
package store

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"engram/internal/changelog"
	"engram/internal/memory"
	"engram/internal/project"
	"engram/internal/scan"
	"engram/internal/tree"
)

// ErrNotInitialized reports access to a project without a manifest.
var ErrNotInitialized = errors.New("project not initialized")

// Project is a live, loaded project.
type Project struct {
	Hash     string
	RootPath string
	Manifest *project.Manifest
	Tree     *tree.Tree
	Skeleton *tree.Skeleton
	Memory   *memory.Store
	Changes  *changelog.Log

	// mu is the per-project lock: writers (scan, incremental re-index,
	// memory writes) take it exclusively, readers share it.
	mu sync.RWMutex
}

// Mutate runs fn holding the project's exclusive lock.
func (p *Project) Mutate(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

// View runs fn holding the project's shared lock.
func (p *Project) View(fn func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fn()
}

// Store is the LRU-bounded project set.
type Store struct {
	layout   *project.Layout
	capacity int
	scanOpts scan.Options

	mu      sync.Mutex
	entries map[string]*list.Element // hash -> element whose Value is *Project
	lru     *list.List               // front = most recently used

	// loading prevents duplicate concurrent loads of one project.
	loading map[string]*sync.WaitGroup

	// OnEvict is called (outside the LRU mutex) after a project is
	// evicted; the daemon uses it to cancel queued work and stop watchers.
	OnEvict func(hash string)
	// OnLoad mirrors OnEvict for projects entering the working set.
	OnLoad func(p *Project)
}

// New creates a store over the projects directory.
func New(layout *project.Layout, capacity int, scanOpts scan.Options) *Store {
	if capacity <= 0 {
		capacity = 3
	}
	return &Store{
		layout:   layout,
		capacity: capacity,
		scanOpts: scanOpts,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		loading:  make(map[string]*sync.WaitGroup),
	}
}

// IsInitialized reports whether the project at cwd has a manifest on disk.
func (s *Store) IsInitialized(cwd string) bool {
	hash, err := project.HashPath(cwd)
	if err != nil {
		return false
	}
	return s.layout.Initialized(hash)
}

// Get returns the live project for cwd, cold-loading it if needed and
// evicting the LRU tail past capacity.
func (s *Store) Get(ctx context.Context, cwd string) (*Project, error) {
	canonical, err := project.Canonicalize(cwd)
	if err != nil {
		return nil, err
	}
	hash, err := project.HashPath(canonical)
	if err != nil {
		return nil, err
	}

	for {
		s.mu.Lock()
		if el, ok := s.entries[hash]; ok {
			s.lru.MoveToFront(el)
			p := el.Value.(*Project)
			s.mu.Unlock()
			return p, nil
		}
		if wg, inflight := s.loading[hash]; inflight {
			s.mu.Unlock()
			wg.Wait()
			continue
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		s.loading[hash] = wg
		s.mu.Unlock()
		// The LRU mutex is released during the load; holding it across
		// I/O is forbidden.
		p, loadErr := s.load(ctx, canonical, hash)
		s.mu.Lock()
		delete(s.loading, hash)
		wg.Done()
		if loadErr != nil {
			s.mu.Unlock()
			return nil, loadErr
		}
		s.entries[hash] = s.lru.PushFront(p)
		evicted := s.evictOverCapacityLocked()
		s.mu.Unlock()

		for _, ev := range evicted {
			s.finishEviction(ev)
		}
		if s.OnLoad != nil {
			s.OnLoad(p)
		}
		return p, nil
	}
}

// load reads a project from disk: manifest, tree blob, deps, change log,
// and a full memory log replay.
func (s *Store) load(ctx context.Context, canonical, hash string) (*Project, error) {
	if !s.layout.Initialized(hash) {
		return nil, ErrNotInitialized
	}

	manifest, err := project.LoadManifest(s.layout.ManifestPath(hash))
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", hash, err)
	}

	t, skel, err := s.loadTree(ctx, canonical, hash)
	if err != nil {
		return nil, err
	}

	mem, err := memory.Open(s.layout.MemoryLogPath(hash))
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	changes, err := changelog.Open(s.layout.ChangesDBPath(hash))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("opening change log: %w", err)
	}

	log.Info().Str("project", hash).Str("root", canonical).Msg("project loaded")
	return &Project{
		Hash:     hash,
		RootPath: canonical,
		Manifest: manifest,
		Tree:     t,
		Skeleton: skel,
		Memory:   mem,
		Changes:  changes,
	}, nil
}

// loadTree reads the tree and skeleton blobs. A corrupted blob triggers a
// full re-scan, preserving memory.log.
func (s *Store) loadTree(ctx context.Context, canonical, hash string) (*tree.Tree, *tree.Skeleton, error) {
	data, err := os.ReadFile(s.layout.TreePath(hash))
	if err == nil {
		if t, decodeErr := tree.DecodeTree(data, canonical); decodeErr == nil {
			if g := s.loadDeps(hash); g != nil {
				t.Deps = g
			}
			skel := s.loadSkeleton(hash)
			if skel == nil {
				skel = tree.BuildSkeleton(t)
			}
			return t, skel, nil
		}
		log.Warn().Str("project", hash).Msg("tree blob corrupt, rescanning")
	}

	res, err := scan.Scan(ctx, canonical, s.scanOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("rescanning project: %w", err)
	}
	t := res.Tree
	skel := tree.BuildSkeleton(t)
	if err := s.SaveProjectData(hash, t, skel); err != nil {
		log.Warn().Err(err).Str("project", hash).Msg("persisting rescanned tree failed")
	}
	return t, skel, nil
}

func (s *Store) loadDeps(hash string) *tree.Graph {
	data, err := os.ReadFile(s.layout.DepsPath(hash))
	if err != nil {
		return nil
	}
	g, err := tree.DecodeGraph(data)
	if err != nil {
		log.Warn().Str("project", hash).Msg("deps blob corrupt, will recompute on rescan")
		return nil
	}
	return g
}

func (s *Store) loadSkeleton(hash string) *tree.Skeleton {
	data, err := os.ReadFile(s.layout.SkeletonPath(hash))
	if err != nil {
		return nil
	}
	skel, err := tree.DecodeSkeleton(data)
	if err != nil {
		return nil
	}
	return skel
}

// SaveProjectData atomically writes the tree, skeleton, and deps blobs.
func (s *Store) SaveProjectData(hash string, t *tree.Tree, skel *tree.Skeleton) error {
	treeBlob, err := tree.EncodeTree(t)
	if err != nil {
		return err
	}
	if err := project.AtomicWrite(s.layout.TreePath(hash), treeBlob); err != nil {
		return err
	}

	skelBlob, err := tree.EncodeSkeleton(skel)
	if err != nil {
		return err
	}
	if err := project.AtomicWrite(s.layout.SkeletonPath(hash), skelBlob); err != nil {
		return err
	}

	depsBlob, err := tree.EncodeGraph(t.Deps)
	if err != nil {
		return err
	}
	return project.AtomicWrite(s.layout.DepsPath(hash), depsBlob)
}

// Init creates a new project: manifest first (durably), then the first
// scan, then the blobs. Returns the loaded project.
func (s *Store) Init(ctx context.Context, cwd string) (*Project, error) {
	canonical, err := project.Canonicalize(cwd)
	if err != nil {
		return nil, err
	}
	hash, err := project.HashPath(canonical)
	if err != nil {
		return nil, err
	}
	if err := s.layout.EnsureDir(hash); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	manifest := &project.Manifest{
		SchemaVersion: project.SchemaVersion,
		RootPath:      canonical,
		CreatedAt:     now,
	}
	if err := manifest.Save(s.layout.ManifestPath(hash)); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	res, err := scan.Scan(ctx, canonical, s.scanOpts)
	if err != nil {
		return nil, fmt.Errorf("initial scan: %w", err)
	}
	t := res.Tree
	skel := tree.BuildSkeleton(t)

	files, symbols, mix := t.Counts()
	manifest.IndexedAt = time.Now().UnixMilli()
	manifest.FileCount = files
	manifest.SymbolCount = symbols
	manifest.LanguageMix = mix
	if err := manifest.Save(s.layout.ManifestPath(hash)); err != nil {
		return nil, fmt.Errorf("updating manifest: %w", err)
	}
	if err := s.SaveProjectData(hash, t, skel); err != nil {
		return nil, fmt.Errorf("writing project blobs: %w", err)
	}

	log.Info().Str("project", hash).Int("files", files).Int("symbols", symbols).
		Msg("project initialized")
	return s.Get(ctx, canonical)
}

// LoadedCount returns the number of live projects.
func (s *Store) LoadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// LoadedHashes returns the hashes of live projects, most recent first.
func (s *Store) LoadedHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for el := s.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Project).Hash)
	}
	return out
}

// EvictLRU drops the least recently used project.
func (s *Store) EvictLRU() {
	s.mu.Lock()
	var victim *Project
	if tail := s.lru.Back(); tail != nil {
		victim = tail.Value.(*Project)
		s.lru.Remove(tail)
		delete(s.entries, victim.Hash)
	}
	s.mu.Unlock()
	if victim != nil {
		s.finishEviction(victim)
	}
}

// EvictAllButMRU drops everything except the most recently used project.
func (s *Store) EvictAllButMRU() {
	s.mu.Lock()
	var victims []*Project
	for s.lru.Len() > 1 {
		tail := s.lru.Back()
		p := tail.Value.(*Project)
		s.lru.Remove(tail)
		delete(s.entries, p.Hash)
		victims = append(victims, p)
	}
	s.mu.Unlock()
	for _, v := range victims {
		s.finishEviction(v)
	}
}

// Shutdown flushes and drops every project.
func (s *Store) Shutdown() {
	s.mu.Lock()
	var victims []*Project
	for el := s.lru.Front(); el != nil; el = el.Next() {
		victims = append(victims, el.Value.(*Project))
	}
	s.lru.Init()
	s.entries = make(map[string]*list.Element)
	s.mu.Unlock()
	for _, v := range victims {
		s.finishEviction(v)
	}
}

// evictOverCapacityLocked trims the LRU past capacity. Caller holds the
// store mutex; returned victims are finished outside it.
func (s *Store) evictOverCapacityLocked() []*Project {
	var victims []*Project
	for s.lru.Len() > s.capacity {
		tail := s.lru.Back()
		p := tail.Value.(*Project)
		s.lru.Remove(tail)
		delete(s.entries, p.Hash)
		victims = append(victims, p)
	}
	return victims
}

// finishEviction flushes pending writes and drops in-memory state. Memory
// writes are already durable (synchronous append), so flushing means
// closing handles cleanly.
func (s *Store) finishEviction(p *Project) {
	p.Mutate(func() error {
		if p.Memory != nil {
			p.Memory.Close()
		}
		if p.Changes != nil {
			p.Changes.Close()
		}
		return nil
	})
	if s.OnEvict != nil {
		s.OnEvict(p.Hash)
	}
	log.Info().Str("project", p.Hash).Msg("project evicted")
}
