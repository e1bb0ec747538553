package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Store is the per-project memory store. Writes append to the durable log
// before touching the in-memory index; reads never touch disk.
type Store struct {
	mu      sync.RWMutex
	logPath string
	file    *os.File

	byID   map[string]*Entry
	byKind map[Kind][]string          // entry ids, ascending created_at
	byTag  map[string]map[string]bool // tag -> set of entry ids
}

// Open loads a store by replaying its log. A missing log starts empty.
func Open(logPath string) (*Store, error) {
	s := &Store{logPath: logPath}
	f, err := openLog(logPath)
	if err != nil {
		return nil, err
	}
	if err := s.rebuild(); err != nil {
		f.Close()
		return nil, err
	}
	s.file = f
	return s, nil
}

// Close releases the log handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rebuild resets the index and replays the log from scratch.
func (s *Store) rebuild() error {
	s.byID = make(map[string]*Entry)
	s.byKind = make(map[Kind][]string)
	s.byTag = make(map[string]map[string]bool)

	return replay(s.logPath, func(rec record) error {
		switch rec.Op {
		case opPut:
			var e Entry
			if err := json.Unmarshal(rec.Entry, &e); err != nil {
				return err
			}
			s.applyPut(&e)
		case opPatch:
			var body patchBody
			if err := json.Unmarshal(rec.Entry, &body); err != nil {
				return err
			}
			// A patch on a missing or tombstoned id was rejected at write
			// time; replay skips it deterministically.
			s.applyPatch(body.ID, body.Fields, rec.TS)
		case opDelete:
			var body deleteBody
			if err := json.Unmarshal(rec.Entry, &body); err != nil {
				return err
			}
			s.applyDelete(body.ID, rec.TS)
		default:
			return fmt.Errorf("unknown op %q", rec.Op)
		}
		return nil
	})
}

// Sync re-opens the log, truncates a torn trailing record, and replays from
// scratch. Recovery path for corrupted in-memory state or external log
// edits.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	f, err := openLog(s.logPath)
	if err != nil {
		return err
	}
	if err := s.rebuild(); err != nil {
		f.Close()
		return err
	}
	s.file = f
	return nil
}

// Put stores an entry. A missing id is assigned; an existing id is
// overwritten (idempotent redelivery). The response is built only after the
// log append is durable.
func (s *Store) Put(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	now := nowMs()
	if e.CreatedAt <= 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if prev, ok := s.peek(e.ID); ok && !prev.Deleted && e.CreatedAt > prev.CreatedAt {
		// Redelivery of an existing id keeps the original creation time so
		// replay converges to the same state.
		e.CreatedAt = prev.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}

	raw, err := json.Marshal(&e)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendRecord(s.file, record{Op: opPut, TS: now, Entry: raw}); err != nil {
		return Entry{}, err
	}
	s.applyPut(&e)
	return e, nil
}

// Patch merges fields into an existing live entry. Tombstoned or missing
// ids yield ErrNotFound.
func (s *Store) Patch(id string, p Patch) (Entry, error) {
	if id == "" || p.Empty() {
		return Entry{}, fmt.Errorf("%w: empty patch or id", ErrInvalidEntry)
	}
	if p.Kind != nil && !ValidKind(*p.Kind) {
		return Entry{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, *p.Kind)
	}
	if p.Content != nil && (*p.Content == "" || len(*p.Content) > MaxContentBytes) {
		return Entry{}, fmt.Errorf("%w: bad content", ErrInvalidEntry)
	}
	if p.Tags != nil && len(*p.Tags) > MaxTags {
		return Entry{}, fmt.Errorf("%w: more than %d tags", ErrInvalidEntry, MaxTags)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[id]
	if !ok || prev.Deleted {
		return Entry{}, ErrNotFound
	}

	now := nowMs()
	raw, err := json.Marshal(patchBody{ID: id, Fields: p})
	if err != nil {
		return Entry{}, fmt.Errorf("encoding patch: %w", err)
	}
	if err := appendRecord(s.file, record{Op: opPatch, TS: now, Entry: raw}); err != nil {
		return Entry{}, err
	}
	s.applyPatch(id, p, now)
	return *s.byID[id], nil
}

// Delete tombstones an entry. The record stays in the log and the index for
// replay determinism.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[id]
	if !ok || prev.Deleted {
		return ErrNotFound
	}

	now := nowMs()
	raw, err := json.Marshal(deleteBody{ID: id})
	if err != nil {
		return fmt.Errorf("encoding delete: %w", err)
	}
	if err := appendRecord(s.file, record{Op: opDelete, TS: now, Entry: raw}); err != nil {
		return err
	}
	s.applyDelete(id, now)
	return nil
}

// Get returns a live entry by id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok || e.Deleted {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// peek returns an entry regardless of tombstone state.
func (s *Store) peek(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ListQuery filters and pages a listing.
type ListQuery struct {
	Limit  int
	Before int64 // exclusive created_at upper bound, 0 = no bound
	Kinds  []Kind
	Tags   []string // intersection semantics
}

// List returns live entries newest first.
func (s *Store) List(q ListQuery) []Entry {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	kinds := q.Kinds
	if len(kinds) == 0 {
		for k := range s.byKind {
			kinds = append(kinds, k)
		}
	}

	var candidates []*Entry
	for _, k := range kinds {
		for _, id := range s.byKind[k] {
			e := s.byID[id]
			if e == nil || e.Deleted {
				continue
			}
			if q.Before > 0 && e.CreatedAt >= q.Before {
				continue
			}
			if !hasAllTags(e, q.Tags) {
				continue
			}
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt > candidates[j].CreatedAt
		}
		return candidates[i].ID > candidates[j].ID
	})

	if len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	out := make([]Entry, len(candidates))
	for i, e := range candidates {
		out[i] = *e
	}
	return out
}

// Recent returns the newest live entries restricted to the given kinds.
func (s *Store) Recent(kinds []Kind, limit int) []Entry {
	return s.List(ListQuery{Limit: limit, Kinds: kinds})
}

// Stats summarizes the index.
type Stats struct {
	Total      int `json:"total"`
	Live       int `json:"live"`
	Tombstones int `json:"tombstones"`
}

// Stats returns index counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.byID)}
	for _, e := range s.byID {
		if e.Deleted {
			st.Tombstones++
		} else {
			st.Live++
		}
	}
	return st
}

// SnapshotIndex returns a copy of by_id for determinism checks in tests.
func (s *Store) SnapshotIndex() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry, len(s.byID))
	for id, e := range s.byID {
		out[id] = *e
	}
	return out
}

// ---- index mutation (callers hold the write lock, or are single-threaded
// during replay) ----

func (s *Store) applyPut(e *Entry) {
	if prev, ok := s.byID[e.ID]; ok {
		s.unindex(prev)
	}
	stored := *e
	s.byID[e.ID] = &stored
	if !stored.Deleted {
		s.index(&stored)
	}
}

func (s *Store) applyPatch(id string, p Patch, ts int64) {
	e, ok := s.byID[id]
	if !ok || e.Deleted {
		return
	}
	s.unindex(e)
	if p.Kind != nil {
		e.Kind = *p.Kind
	}
	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Tags != nil {
		e.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.SessionID != nil {
		e.SessionID = *p.SessionID
	}
	if p.SubagentID != nil {
		e.SubagentID = *p.SubagentID
	}
	e.UpdatedAt = ts
	s.index(e)
}

func (s *Store) applyDelete(id string, ts int64) {
	e, ok := s.byID[id]
	if !ok || e.Deleted {
		return
	}
	s.unindex(e)
	e.Deleted = true
	e.UpdatedAt = ts
}

func (s *Store) index(e *Entry) {
	ids := s.byKind[e.Kind]
	pos := sort.Search(len(ids), func(i int) bool {
		other := s.byID[ids[i]]
		if other.CreatedAt != e.CreatedAt {
			return other.CreatedAt > e.CreatedAt
		}
		return other.ID > e.ID
	})
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = e.ID
	s.byKind[e.Kind] = ids

	for _, tag := range e.Tags {
		set := s.byTag[tag]
		if set == nil {
			set = make(map[string]bool)
			s.byTag[tag] = set
		}
		set[e.ID] = true
	}
}

func (s *Store) unindex(e *Entry) {
	ids := s.byKind[e.Kind]
	for i, id := range ids {
		if id == e.ID {
			s.byKind[e.Kind] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	for _, tag := range e.Tags {
		if set := s.byTag[tag]; set != nil {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(s.byTag, tag)
			}
		}
	}
}

func hasAllTags(e *Entry, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(e.Tags))
	for _, t := range e.Tags {
		have[t] = true
	}
	for _, t := range tags {
		if !have[t] {
			return false
		}
	}
	return true
}
