package fs

import (
	"container/list"
	"sync"

	"rvkernel/hashtable"
)

// bdev_debug gates the verbose per-request tracing blk.go's Bdev_block_t
// methods emit; left off by default the way the teacher's own debug
// switches default off.
const bdev_debug = false

// Objref_t is a reference-counted handle on a cached object, used by the
// block cache (and the inode cache, fs/inode.go) to know when an entry may
// be evicted: an object with outstanding references is never evicted out
// from under a live caller. It mirrors the same "bump on lookup, drop on
// Relse" discipline as package mem's frame refcounting.
type Objref_t struct {
	mu     sync.Mutex
	refcnt int
}

// Up records a new reference.
func (r *Objref_t) Up() {
	r.mu.Lock()
	r.refcnt++
	r.mu.Unlock()
}

// Down drops a reference, reporting whether it was the last one.
func (r *Objref_t) Down() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refcnt <= 0 {
		panic("fs: refcount underflow")
	}
	r.refcnt--
	return r.refcnt == 0
}

// Refcnt reports the current reference count.
func (r *Objref_t) Refcnt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcnt
}

// cacheobj_i is implemented by anything stored in an lruCache_t: the block
// cache's Bdev_block_t and the inode cache's imemnode_t both provide a
// lookup key and eviction hooks with this shape.
type cacheobj_i interface {
	Key() int
	EvictFromCache()
	EvictDone()
}

// lruCache_t is a fixed-capacity, reference-aware LRU cache: lookups are
// O(1) via hashtable.Hashtable_t, eviction order is tracked with
// container/list, and an object currently referenced by any caller is
// skipped when choosing a victim. Both the block cache (spec.md 4.7) and
// the inode cache (spec.md 4.8) are instances of this cache, parameterized
// over a different cacheobj_i.
type lruCache_t struct {
	sync.Mutex
	ht     *hashtable.Hashtable_t
	lru    *list.List // front = most recently used
	elems  map[int]*list.Element
	cap    int
	refs   map[int]*Objref_t
}

func mkCache(capacity int) *lruCache_t {
	return &lruCache_t{
		ht:    hashtable.MkHash(capacity),
		lru:   list.New(),
		elems: make(map[int]*list.Element),
		refs:  make(map[int]*Objref_t),
		cap:   capacity,
	}
}

// lookup returns the cached object for key, bumping both its LRU standing
// and its reference count.
func (c *lruCache_t) lookup(key int) (cacheobj_i, bool) {
	c.Lock()
	defer c.Unlock()
	v, ok := c.ht.Get(key)
	if !ok {
		return nil, false
	}
	if e, ok := c.elems[key]; ok {
		c.lru.MoveToFront(e)
	}
	c.refs[key].Up()
	return v.(cacheobj_i), true
}

// insert adds a freshly-constructed object to the cache with one
// outstanding reference (the caller that created it), evicting the
// least-recently-used unreferenced object first if the cache is full.
func (c *lruCache_t) insert(obj cacheobj_i) {
	c.Lock()
	defer c.Unlock()
	key := obj.Key()
	if _, ok := c.ht.Get(key); ok {
		panic("fs: duplicate cache insert")
	}
	for c.lru.Len() >= c.cap {
		if !c.evictOne() {
			break
		}
	}
	c.ht.Set(key, obj)
	c.elems[key] = c.lru.PushFront(key)
	ref := &Objref_t{}
	ref.Up()
	c.refs[key] = ref
}

// evictOne evicts the least-recently-used object with no outstanding
// references. It returns false if every cached object is referenced.
func (c *lruCache_t) evictOne() bool {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		key := e.Value.(int)
		if c.refs[key].Refcnt() == 0 {
			v, _ := c.ht.Get(key)
			obj := v.(cacheobj_i)
			obj.EvictFromCache()
			c.ht.Del(key)
			c.lru.Remove(e)
			delete(c.elems, key)
			delete(c.refs, key)
			obj.EvictDone()
			return true
		}
	}
	return false
}

// refcount reports the current reference count on key, used by iput to
// decide whether it is dropping the last live reference to an unlinked
// inode.
func (c *lruCache_t) refcount(key int) int {
	c.Lock()
	defer c.Unlock()
	if r, ok := c.refs[key]; ok {
		return r.Refcnt()
	}
	return 0
}

// ref takes an additional reference on an already-cached key, for callers
// (the log's buffer pinning) that hold the object but did not arrive via
// lookup.
func (c *lruCache_t) ref(key int) {
	c.Lock()
	defer c.Unlock()
	if r, ok := c.refs[key]; ok {
		r.Up()
	}
}

// release drops one reference on key, acquired by a prior lookup.
func (c *lruCache_t) release(key int) {
	c.Lock()
	defer c.Unlock()
	if r, ok := c.refs[key]; ok {
		r.Down()
	}
}

// size reports the number of cached objects.
func (c *lruCache_t) size() int {
	c.Lock()
	defer c.Unlock()
	return c.ht.Size()
}

// evictAll evicts every currently-unreferenced object, for Fs_evict.
func (c *lruCache_t) evictAll() {
	c.Lock()
	defer c.Unlock()
	for c.evictOne() {
	}
}
