package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache はプロセス内の関心トピックキャッシュ。
// 有効期間を過ぎたエントリは読み出し時に破棄し、容量を超えた場合は最も古く使われたエントリから追い出す。
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // 先頭が最近使われたエントリ
	entries  map[string]*list.Element
	now      func() time.Time
}

type memoryEntry struct {
	key       string
	interests []string
	expiresAt time.Time
}

// NewMemoryCache はMemoryCacheの新しいインスタンスを生成する。
func NewMemoryCache(ttl time.Duration, capacity int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get はキャッシュされた関心トピックを返す。
func (c *MemoryCache) Get(_ context.Context, userID string) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[InterestKey(userID)]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(el)
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return append([]string(nil), entry.interests...), true, nil
}

// Put は関心トピックをキャッシュに保存する。
func (c *MemoryCache) Put(_ context.Context, userID string, interests []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := InterestKey(userID)
	entry := &memoryEntry{
		key:       key,
		interests: append([]string(nil), interests...),
		expiresAt: c.now().Add(c.ttl),
	}

	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.order.PushFront(entry)
	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
	return nil
}

// Len は保持しているエントリ数を返す。期限切れで未破棄のエントリも含む。
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *MemoryCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*memoryEntry).key)
}
