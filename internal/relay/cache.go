package relay

import (
	"sync"

	"github.com/okdaichi/qumo/moqt"
)

// DefaultGroupCacheSize bounds how many trailing groups a trackDistributor
// keeps so a late-joining subscriber can catch up instead of only ever
// seeing brand new groups.
const DefaultGroupCacheSize = 8

// DefaultNewFrameCapacity is the initial capacity reserved for a group's
// frame slice, sized for typical short-form video GOPs.
const DefaultNewFrameCapacity = 32

// DefaultFramePool is shared by every relay handler that does not set its
// own pool, so frame buffers are recycled across unrelated tracks.
var DefaultFramePool = NewFramePool(DefaultNewFrameCapacity)

// FramePool recycles the byte slices frames are copied into, avoiding one
// allocation per frame on the relay's hot path.
type FramePool struct {
	capacity int
	pool     sync.Pool
}

// NewFramePool builds a pool whose buffers start at capacity bytes.
func NewFramePool(capacity int) *FramePool {
	p := &FramePool{capacity: capacity}
	p.pool.New = func() any {
		return make([]byte, 0, p.capacity)
	}
	return p
}

// Get returns a zero-length buffer with at least capacity bytes free.
func (p *FramePool) Get() []byte {
	return p.pool.Get().([]byte)[:0]
}

// Put returns buf to the pool for reuse. Callers must not touch buf again.
func (p *FramePool) Put(buf []byte) {
	p.pool.Put(buf) //nolint:staticcheck // retaining capacity is the point
}

// cacheEntry holds one group's frames as they're received, so a subscriber
// mid-catchup can read frames that arrived before it attached and keep
// reading ones that arrive afterward.
type cacheEntry struct {
	seq moqt.GroupSequence

	mu       sync.RWMutex
	frames   [][]byte
	complete bool
}

func newCacheEntry(seq moqt.GroupSequence) *cacheEntry {
	return &cacheEntry{seq: seq}
}

func (c *cacheEntry) append(frame []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *cacheEntry) finish() {
	c.mu.Lock()
	c.complete = true
	c.mu.Unlock()
}

// next returns the frame at idx, or nil if it has not arrived yet.
func (c *cacheEntry) next(idx int) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx < 0 || idx >= len(c.frames) {
		return nil
	}
	return c.frames[idx]
}

// isComplete reports whether every frame belonging to this group has
// already been appended.
func (c *cacheEntry) isComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.complete
}

// groupRing is a fixed-size ring buffer of the most recent groups ingested
// for one track, indexed by sequence number so producer (ingest) and
// consumers (egress) can proceed independently: the producer only ever
// advances head, consumers only ever read slots at or behind it.
type groupRing struct {
	pool *FramePool

	mu      sync.RWMutex
	entries []*cacheEntry // ring of len(size), slot seq%size holds sequence seq
	size    int
	nextSeq moqt.GroupSequence // head: the next sequence number to be ingested
}

func newGroupRing(size int, pool *FramePool) *groupRing {
	if size <= 0 {
		size = DefaultGroupCacheSize
	}
	if pool == nil {
		pool = DefaultFramePool
	}
	return &groupRing{
		pool:    pool,
		entries: make([]*cacheEntry, size),
		size:    size,
	}
}

// head is the next sequence number to be added; a subscriber wanting the
// latest group reads head-1.
func (r *groupRing) head() moqt.GroupSequence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq
}

// earliestAvailable is the oldest sequence number still retained. Sequences
// below it have been evicted and a subscriber must skip to head instead. An
// empty ring reports 1, since sequence 0 itself has not arrived yet.
func (r *groupRing) earliestAvailable() moqt.GroupSequence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.nextSeq == 0 {
		return 1
	}
	if r.nextSeq <= moqt.GroupSequence(r.size) {
		return 0
	}
	return r.nextSeq - moqt.GroupSequence(r.size)
}

// get returns the cache entry for sequence seq, or nil if it's outside the
// retained window.
func (r *groupRing) get(seq moqt.GroupSequence) *cacheEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if seq >= r.nextSeq || (r.nextSeq-seq) > moqt.GroupSequence(r.size) {
		return nil
	}
	return r.entries[uint64(seq)%uint64(r.size)]
}

// install reserves the ring slot for an incoming group and returns the
// cacheEntry the caller should append frames into as they arrive, so
// egress readers can stream the group incrementally rather than waiting
// for it to finish. The frame-reading loop itself lives in
// trackDistributor.ingestGroup, since that loop also feeds the group into
// the local TrackProducer (spec §4.6.4).
func (r *groupRing) install(seq moqt.GroupSequence) *cacheEntry {
	entry := newCacheEntry(seq)

	r.mu.Lock()
	r.entries[uint64(seq)%uint64(r.size)] = entry
	if seq >= r.nextSeq {
		r.nextSeq = seq + 1
	}
	r.mu.Unlock()

	return entry
}
