// Package watch turns kernel file notifications into debounced, coalesced
// change batches for the incremental indexer.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"engram/internal/ignore"
)

// Debounce timing: a batch flushes after the quiescence window with no new
// events, or at the forced-flush cap regardless.
const (
	DefaultQuiescence = 500 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// Batch holds coalesced relative paths grouped by change kind. A create
// followed by a delete cancels out; repeated modifies collapse.
type Batch struct {
	Created  []string
	Modified []string
	Deleted  []string
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Created) == 0 && len(b.Modified) == 0 && len(b.Deleted) == 0
}

// Len returns the total number of changed paths.
func (b Batch) Len() int {
	return len(b.Created) + len(b.Modified) + len(b.Deleted)
}

type changeState byte

const (
	stateCreated  changeState = 'c'
	stateModified changeState = 'm'
	stateDeleted  changeState = 'd'
)

// Watcher watches one project root.
type Watcher struct {
	root    string
	matcher *ignore.Matcher
	fsw     *fsnotify.Watcher
	out     chan Batch

	quiescence time.Duration
	maxDelay   time.Duration

	mu        sync.Mutex
	pending   map[string]changeState
	lastEvent time.Time
	firstEvent time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a watcher for a project root. Events matching the ignore
// rules are discarded before debouncing.
func New(root string, matcher *ignore.Matcher) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	return &Watcher{
		root:       root,
		matcher:    matcher,
		fsw:        fsw,
		out:        make(chan Batch, 64),
		quiescence: DefaultQuiescence,
		maxDelay:   DefaultMaxDelay,
		pending:    make(map[string]changeState),
		done:       make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins the event loop.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Batches returns the channel of flushed change batches.
func (w *Watcher) Batches() <-chan Batch {
	return w.out
}

// Close stops the watcher. The batch channel is closed after the loop
// drains.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

// addRecursive registers a directory and all non-ignored subdirectories.
// fsnotify watches are not recursive on their own.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.matcher.Match(rel, true) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			log.Debug().Str("dir", p).Err(err).Msg("watch add failed")
		}
		return nil
	})
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	defer close(w.out)

	for {
		select {
		case <-w.done:
			w.flush(true)
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.flush(true)
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			log.Warn().Err(err).Msg("watcher error")
		case <-ticker.C:
			w.flush(false)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	if w.matcher.Match(rel, isDir) {
		return
	}

	if isDir {
		// New directories must be registered to see their contents.
		if ev.Op.Has(fsnotify.Create) {
			if err := w.addRecursive(ev.Name); err != nil {
				log.Debug().Str("dir", ev.Name).Err(err).Msg("registering new dir failed")
			}
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if len(w.pending) == 0 {
		w.firstEvent = now
	}
	w.lastEvent = now

	prev, seen := w.pending[rel]
	switch {
	case ev.Op.Has(fsnotify.Create):
		if seen && prev == stateDeleted {
			w.pending[rel] = stateModified
		} else {
			w.pending[rel] = stateCreated
		}
	case ev.Op.Has(fsnotify.Write):
		if !seen || prev != stateCreated {
			w.pending[rel] = stateModified
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if seen && prev == stateCreated {
			// Created then deleted within one window: cancels out.
			delete(w.pending, rel)
		} else {
			w.pending[rel] = stateDeleted
		}
	}
}

// flush emits the pending batch when the quiescence window has elapsed, the
// forced-flush cap is hit, or force is set.
func (w *Watcher) flush(force bool) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	quiet := now.Sub(w.lastEvent) >= w.quiescence
	capped := now.Sub(w.firstEvent) >= w.maxDelay
	if !force && !quiet && !capped {
		w.mu.Unlock()
		return
	}

	batch := Batch{}
	for rel, state := range w.pending {
		switch state {
		case stateCreated:
			batch.Created = append(batch.Created, rel)
		case stateModified:
			batch.Modified = append(batch.Modified, rel)
		case stateDeleted:
			batch.Deleted = append(batch.Deleted, rel)
		}
	}
	w.pending = make(map[string]changeState)
	w.mu.Unlock()

	select {
	case w.out <- batch:
	default:
		log.Warn().Int("changes", batch.Len()).Msg("batch channel full, dropping")
	}
}

// Coalesce folds a raw event sequence into a batch using the same rules the
// live watcher applies. Exposed for the durable change-log replay path.
func Coalesce(events []Event) Batch {
	pending := make(map[string]changeState)
	for _, ev := range events {
		prev, seen := pending[ev.Path]
		switch ev.Kind {
		case Created:
			if seen && prev == stateDeleted {
				pending[ev.Path] = stateModified
			} else {
				pending[ev.Path] = stateCreated
			}
		case Modified:
			if !seen || prev != stateCreated {
				pending[ev.Path] = stateModified
			}
		case Deleted:
			if seen && prev == stateCreated {
				delete(pending, ev.Path)
			} else {
				pending[ev.Path] = stateDeleted
			}
		}
	}

	batch := Batch{}
	for rel, state := range pending {
		switch state {
		case stateCreated:
			batch.Created = append(batch.Created, rel)
		case stateModified:
			batch.Modified = append(batch.Modified, rel)
		case stateDeleted:
			batch.Deleted = append(batch.Deleted, rel)
		}
	}
	return batch
}

// Kind labels a single change event.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
)

// Event is one file change before coalescing.
type Event struct {
	Path string
	Kind Kind
}
