package blocklayer

import (
	"container/list"
	"sync"

	"github.com/mwatts/acid-store/internal/codec"
)

// plaintextCache is a small bounded LRU of decoded chunk plaintexts keyed
// by digest, sitting in front of BlockStore.Get + Codec.Decode. Spec §9
// describes this as a weak-ref table backed by a strong LRU; Go has no
// portable weak references, so this collapses to a plain size-bounded LRU
// that bounds worst-case refetches the same way.
type plaintextCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[codec.Digest]*list.Element
}

type cacheEntry struct {
	digest codec.Digest
	data   []byte
}

func newPlaintextCache(capacity int) *plaintextCache {
	return &plaintextCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[codec.Digest]*list.Element),
	}
}

func (c *plaintextCache) get(digest codec.Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[digest]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *plaintextCache) put(digest codec.Digest, data []byte) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[digest]; ok {
		el.Value.(*cacheEntry).data = data
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{digest: digest, data: data})
	c.items[digest] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).digest)
	}
}

func (c *plaintextCache) evict(digest codec.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[digest]; ok {
		c.ll.Remove(el)
		delete(c.items, digest)
	}
}
