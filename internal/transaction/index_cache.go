package transaction

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/reapack/reapack-core/internal/downloadpool"
	"github.com/reapack/reapack-core/internal/index"
	"github.com/reapack/reapack-core/internal/reapackconfig"
)

// FreshnessWindow is how long a parsed index is trusted before
// synchronize re-fetches it, matching spec.md §4.4's "on-disk copy is
// older than a small freshness window".
const FreshnessWindow = 5 * time.Second

type cacheEntry struct {
	ix        *index.Index
	fetchedAt time.Time
}

type fetchResult struct {
	ix  *index.Index
	err error
}

// IndexCache fetches and parses repository indexes through a shared
// Pool, coalescing concurrent requests for the same remote into one
// download and serving fresh results from an in-process LRU without
// touching the network again.
//
// Multiple Fetch calls for the same remote name while a download is
// already in flight register as waiters against that single download;
// all of them observe the same parsed Index or error once it completes,
// in the style Design Notes call "signal fan-out": one remote, many
// waiters, a single ordered drain.
type IndexCache struct {
	pool      *downloadpool.Pool
	freshness time.Duration

	mu       sync.Mutex
	cache    *lru.Cache[string, *cacheEntry]
	inflight map[string][]chan fetchResult
}

// NewIndexCache creates an IndexCache backed by pool, holding up to size
// parsed indexes and trusting each for freshness before re-fetching.
func NewIndexCache(pool *downloadpool.Pool, size int, freshness time.Duration) *IndexCache {
	if size <= 0 {
		size = 32
	}
	if freshness <= 0 {
		freshness = FreshnessWindow
	}
	c, _ := lru.New[string, *cacheEntry](size)
	return &IndexCache{
		pool:      pool,
		freshness: freshness,
		cache:     c,
		inflight:  make(map[string][]chan fetchResult),
	}
}

// Peek returns the cached Index for remote if one is present and still
// within the freshness window, without triggering a fetch.
func (c *IndexCache) Peek(remote string) (*index.Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(remote)
	if !ok || time.Since(e.fetchedAt) >= c.freshness {
		return nil, false
	}
	return e.ix, true
}

// Fetch returns remote's parsed Index, reusing a fresh cached copy
// unless force is set. It blocks the calling goroutine until the index
// is available (from cache, from an in-flight download this call
// joins, or from a download it starts), matching the single
// orchestration-thread model: Synchronize resolves its plan before
// returning, and only the transfer itself suspends.
func (c *IndexCache) Fetch(remote reapackconfig.Remote, force bool) (*index.Index, error) {
	c.mu.Lock()
	if !force {
		if e, ok := c.cache.Get(remote.Name); ok && time.Since(e.fetchedAt) < c.freshness {
			c.mu.Unlock()
			return e.ix, nil
		}
	}

	ch := make(chan fetchResult, 1)
	if waiters, ok := c.inflight[remote.Name]; ok {
		c.inflight[remote.Name] = append(waiters, ch)
		c.mu.Unlock()
		res := <-ch
		return res.ix, res.err
	}
	c.inflight[remote.Name] = []chan fetchResult{ch}
	c.mu.Unlock()

	dl := downloadpool.NewMemoryDownload(remote.URL)
	dl.OnComplete(func(d *downloadpool.Download) {
		c.deliver(remote.Name, c.parseResult(remote.Name, d))
	})
	c.pool.Push(dl)

	res := <-ch
	return res.ix, res.err
}

func (c *IndexCache) parseResult(remoteName string, d *downloadpool.Download) fetchResult {
	switch d.State() {
	case downloadpool.Success:
		ix, err := index.Parse(d.Contents(), remoteName)
		if err != nil {
			return fetchResult{err: err}
		}
		return fetchResult{ix: ix}
	case downloadpool.Aborted:
		return fetchResult{err: ErrCancelled}
	default:
		return fetchResult{err: d.Err()}
	}
}

// deliver caches a successful result and drains every registered waiter
// for remoteName, in registration order, clearing the in-flight entry —
// the same ordered-drain shape as host-registration ticket delivery.
func (c *IndexCache) deliver(remoteName string, result fetchResult) {
	c.mu.Lock()
	if result.err == nil {
		c.cache.Add(remoteName, &cacheEntry{ix: result.ix, fetchedAt: time.Now()})
	}
	waiters := c.inflight[remoteName]
	delete(c.inflight, remoteName)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- result
	}
}
