package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/treemana/splitdns/log"
	"github.com/treemana/splitdns/util"
)

const defaultGCPeriod = time.Minute

type Options struct {
	// TTL every entry stays valid for, caching is disabled if zero
	TTL time.Duration

	// Capacity bounds the number of entries, least recently used ones are
	// dropped first. Zero means unbounded.
	Capacity int

	// GCPeriod is how often Start sweeps expired entries, default 1 minute
	GCPeriod time.Duration

	// Clock defaults to the system clock
	Clock clock.Clock
}

type entry struct {
	key      Key
	body     []byte // packed response with a zero transaction id
	inserted time.Time
}

// Cache maps question keys to the last winning packed response. Entries
// expire a fixed TTL after insertion and are dropped lazily on lookup, by the
// optional sweeper, or when capacity is exceeded.
type Cache struct {
	opt Options
	clk clock.Clock

	mu    sync.Mutex
	items map[Key]*list.Element
	lru   *list.List // front is most recently used

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(opt Options) *Cache {
	if opt.GCPeriod <= 0 {
		opt.GCPeriod = defaultGCPeriod
	}
	if opt.Clock == nil {
		opt.Clock = clock.Default()
	}

	return &Cache{
		opt:   opt,
		clk:   opt.Clock,
		items: make(map[Key]*list.Element),
		lru:   list.New(),
	}
}

// Enabled reports whether the cache stores anything at all.
func (c *Cache) Enabled() bool {
	return c != nil && c.opt.TTL > 0
}

// Get returns a private copy of the cached body for key. An expired entry is
// removed and reported as a miss.
func (c *Cache) Get(key Key) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.expired(e, c.clk.Now()) {
		c.remove(elem)
		log.Sugar.Debugf("cache expired [%s]", key)
		return nil, false
	}

	c.lru.MoveToFront(elem)

	body := make([]byte, len(e.body))
	copy(body, e.body)
	return body, true
}

// Insert stores body under key with a fresh timestamp, replacing any previous
// entry. The stored copy always carries a zero transaction id.
func (c *Cache) Insert(key Key, body []byte) {
	if !c.Enabled() || len(body) == 0 {
		return
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	if err := util.DNSSetID(stored, 0); err != nil {
		log.Sugar.Warnf("cache insert [%s] error=[%+v]", key, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.body = stored
		e.inserted = now
		c.lru.MoveToFront(elem)
		return
	}

	c.items[key] = c.lru.PushFront(&entry{key: key, body: stored, inserted: now})
	c.resize()
}

// Len returns the number of entries, expired ones not yet dropped included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Key]*list.Element)
	c.lru.Init()
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	now := c.clk.Now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*entry), now) {
			c.remove(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Start runs the periodic sweeper until Stop is called.
func (c *Cache) Start() {
	if !c.Enabled() || c.stopCh != nil {
		return
	}

	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opt.GCPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := c.Sweep()
				log.Sugar.Debugf("cache sweep removed=%d, total=%d", removed, c.Len())
			case <-c.stopCh:
				return
			}
		}
	}()
	log.Sugar.Infof("cache sweeper running, period %s", c.opt.GCPeriod)
}

func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}

	log.Sugar.Info("cache stopping")
	close(c.stopCh)
	c.wg.Wait()
	c.stopCh = nil
	log.Sugar.Info("cache stopped")
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.inserted) >= c.opt.TTL
}

func (c *Cache) remove(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}

// resize shrinks the cache down to its capacity, oldest use first.
func (c *Cache) resize() {
	if c.opt.Capacity <= 0 {
		return
	}
	for c.lru.Len() > c.opt.Capacity {
		c.remove(c.lru.Back())
	}
}
