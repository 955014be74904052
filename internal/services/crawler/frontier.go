package crawler

import "sync"

// frontier is the executor's work queue: discovered-but-unprocessed URLs
// plus the bookkeeping needed to detect completion. next blocks while
// workers are in flight because any of them may still add URLs.
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	seen     map[string]bool
	inflight int
	closed   bool

	// maxPages caps scheduled URLs; 0 means unbounded
	maxPages  int
	scheduled int
}

func newFrontier(maxPages int) *frontier {
	f := &frontier{
		seen:     make(map[string]bool),
		maxPages: maxPages,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// add schedules a URL unless it was already seen or the cap is reached
func (f *frontier) add(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.seen[url] {
		return false
	}
	if f.maxPages > 0 && f.scheduled >= f.maxPages {
		return false
	}
	f.seen[url] = true
	f.scheduled++
	f.queue = append(f.queue, url)
	f.cond.Broadcast()
	return true
}

// markSeen records a URL as done without scheduling it (resume skip)
func (f *frontier) markSeen(url string) {
	f.mu.Lock()
	f.seen[url] = true
	f.mu.Unlock()
}

// next pops the next URL, blocking while the queue is empty but workers
// are still in flight. ok=false means the crawl is complete or closed.
func (f *frontier) next() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return "", false
		}
		if len(f.queue) > 0 {
			url := f.queue[0]
			f.queue = f.queue[1:]
			f.inflight++
			return url, true
		}
		if f.inflight == 0 {
			return "", false
		}
		f.cond.Wait()
	}
}

// done marks one popped URL as processed
func (f *frontier) done() {
	f.mu.Lock()
	f.inflight--
	f.cond.Broadcast()
	f.mu.Unlock()
}

// close aborts the crawl; blocked workers wake and drain
func (f *frontier) close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// discovered reports how many URLs have been scheduled so far
func (f *frontier) discovered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled
}
