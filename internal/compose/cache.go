package compose

import (
	"container/list"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"engram/internal/tree"
)

// NoPromptFingerprint is the sentinel fingerprint for prompt-less requests.
const NoPromptFingerprint = "0000000000000000"

// Fingerprint derives the cache key component from a prompt and the
// selected focus node ids. Byte-identical prompts always fingerprint
// equally; the normalization (lowercase, collapsed whitespace) trades hit
// rate without breaking that identity.
func Fingerprint(prompt string, focusIDs []tree.NodeID) string {
	if prompt == "" && len(focusIDs) == 0 {
		return NoPromptFingerprint
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(prompt), " "))

	ids := append([]tree.NodeID(nil), focusIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString(normalized)
	for _, id := range ids {
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// CacheEntry is one composed context kept for reuse.
type CacheEntry struct {
	ProjectHash string
	Fingerprint string
	Text        string
	NodeIDs     []tree.NodeID
	MemoryCount int
	BuiltAt     time.Time
}

// Cache is the per-project bounded context cache. Entries are invalidated
// when a referenced node is re-indexed or when any memory write lands for
// the project.
type Cache struct {
	mu         sync.Mutex
	projects   map[string]*projectCache
	maxEntries int
	maxBytes   int

	invalidations uint64
}

type projectCache struct {
	entries map[string]*list.Element // fingerprint -> lru element
	lru     *list.List               // front = most recent
	bytes   int
}

// NewCache creates a cache with per-project bounds.
func NewCache(maxEntries, maxBytes int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if maxBytes <= 0 {
		maxBytes = 4 * 1024 * 1024
	}
	return &Cache{
		projects:   make(map[string]*projectCache),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Get returns a live entry and bumps its recency.
func (c *Cache) Get(projectHash, fingerprint string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc := c.projects[projectHash]
	if pc == nil {
		return nil, false
	}
	el, ok := pc.entries[fingerprint]
	if !ok {
		return nil, false
	}
	pc.lru.MoveToFront(el)
	entry := el.Value.(*CacheEntry)
	return entry, true
}

// Put inserts an entry, evicting LRU entries past the count or byte bound.
func (c *Cache) Put(entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc := c.projects[entry.ProjectHash]
	if pc == nil {
		pc = &projectCache{
			entries: make(map[string]*list.Element),
			lru:     list.New(),
		}
		c.projects[entry.ProjectHash] = pc
	}

	if el, ok := pc.entries[entry.Fingerprint]; ok {
		pc.bytes -= len(el.Value.(*CacheEntry).Text)
		pc.lru.Remove(el)
		delete(pc.entries, entry.Fingerprint)
	}

	pc.entries[entry.Fingerprint] = pc.lru.PushFront(entry)
	pc.bytes += len(entry.Text)

	for pc.lru.Len() > c.maxEntries || pc.bytes > c.maxBytes {
		tail := pc.lru.Back()
		if tail == nil {
			break
		}
		evicted := tail.Value.(*CacheEntry)
		pc.bytes -= len(evicted.Text)
		pc.lru.Remove(tail)
		delete(pc.entries, evicted.Fingerprint)
	}
}

// InvalidateNodes drops entries of a project that reference any of the
// re-indexed nodes.
func (c *Cache) InvalidateNodes(projectHash string, nodes []tree.NodeID) int {
	if len(nodes) == 0 {
		return 0
	}
	dirty := make(map[tree.NodeID]bool, len(nodes))
	for _, id := range nodes {
		dirty[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pc := c.projects[projectHash]
	if pc == nil {
		return 0
	}

	removed := 0
	for fp, el := range pc.entries {
		entry := el.Value.(*CacheEntry)
		for _, id := range entry.NodeIDs {
			if dirty[id] {
				pc.bytes -= len(entry.Text)
				pc.lru.Remove(el)
				delete(pc.entries, fp)
				removed++
				break
			}
		}
	}
	c.invalidations += uint64(removed)
	return removed
}

// InvalidateProject drops every entry for a project. Used for memory
// writes, which affect the anchor layer of every composition.
func (c *Cache) InvalidateProject(projectHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc := c.projects[projectHash]
	if pc == nil {
		return 0
	}
	removed := len(pc.entries)
	delete(c.projects, projectHash)
	c.invalidations += uint64(removed)
	return removed
}

// Invalidations returns the total invalidated-entry count.
func (c *Cache) Invalidations() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations
}

// Len returns the entry count for a project.
func (c *Cache) Len(projectHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc := c.projects[projectHash]; pc != nil {
		return pc.lru.Len()
	}
	return 0
}
