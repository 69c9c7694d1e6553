// Package scheduler runs tile decodes on a bounded worker pool.
//
// Requests are tagged with a generation. The owner bumps the generation
// whenever the visible region changes; queued work from older generations
// is dropped, while work already handed to a worker is allowed to finish.
// Every successful decode is cached, but only completions belonging to the
// current generation are reported on the Results channel.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wsiview/internal/cache"
	"wsiview/internal/pyramid"
)

// DecodeFunc produces the pixels of one tile. It is called from worker
// goroutines and may block on I/O.
type DecodeFunc func(ctx context.Context, key pyramid.TileKey) (*cache.Entry, error)

// Result is a completed decode of the current generation.
type Result struct {
	Key        pyramid.TileKey
	Generation uint64
	Entry      *cache.Entry
	Err        error
}

type Options struct {
	// MaxConcurrent bounds the number of decodes running at once.
	MaxConcurrent int
	// DecodeRate limits decode starts per second. Zero means unlimited.
	DecodeRate float64
	// ResultBuffer is the capacity of the Results channel.
	ResultBuffer int
}

type Stats struct {
	Generation uint64 `json:"generation"`
	Queued     int    `json:"queued"`
	Running    int    `json:"running"`
	Failed     int    `json:"failed"`
	Decoded    int64  `json:"decoded"`
	Stale      int64  `json:"stale"`
	Errors     int64  `json:"errors"`
}

type request struct {
	key        pyramid.TileKey
	generation uint64
}

type Scheduler struct {
	log     *zap.Logger
	cache   cache.Cache
	decode  DecodeFunc
	limiter *rate.Limiter

	cancel  context.CancelFunc
	results chan Result
	done    chan struct{}

	mu         sync.Mutex
	cond       *sync.Cond
	closed     bool
	generation uint64
	queue      *list.List
	queued     map[pyramid.TileKey]*list.Element
	running    map[pyramid.TileKey]uint64
	failed     map[pyramid.TileKey]uint64

	decoded, stale, errs int64
}

// New starts opts.MaxConcurrent workers that decode into c.
func New(c cache.Cache, decode DecodeFunc, opts Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.ResultBuffer < 1 {
		opts.ResultBuffer = 4 * opts.MaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:     log,
		cache:   c,
		decode:  decode,
		cancel:  cancel,
		results: make(chan Result, opts.ResultBuffer),
		done:    make(chan struct{}),
		queue:   list.New(),
		queued:  make(map[pyramid.TileKey]*list.Element),
		running: make(map[pyramid.TileKey]uint64),
		failed:  make(map[pyramid.TileKey]uint64),
	}
	s.cond = sync.NewCond(&s.mu)
	if opts.DecodeRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.DecodeRate), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for range opts.MaxConcurrent {
		g.Go(func() error {
			return s.worker(gctx)
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			log.Error("Decode worker stopped", zap.Error(err))
		}
		close(s.results)
		close(s.done)
	}()

	return s
}

// Results delivers completions of the current generation. The channel is
// closed once the scheduler has been closed and all workers have exited.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.generation
}

// RequestTiles schedules every key that is not cached, queued or running.
// Requests carrying a generation other than the current one are ignored.
// It returns the number of newly queued tiles.
func (s *Scheduler) RequestTiles(keys []pyramid.TileKey, generation uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || generation != s.generation {
		return 0
	}

	added := 0
	for _, key := range keys {
		if s.cache.Contains(key) {
			continue
		}
		if _, ok := s.running[key]; ok {
			// the in-flight decode now serves this generation
			s.running[key] = generation
			continue
		}
		if elem, ok := s.queued[key]; ok {
			elem.Value = request{key: key, generation: generation}
			continue
		}
		if g, ok := s.failed[key]; ok && g == generation {
			continue
		}
		s.queued[key] = s.queue.PushBack(request{key: key, generation: generation})
		added++
	}

	if added > 0 {
		s.cond.Broadcast()
	}
	return added
}

// CancelGeneration retires generation old: queued requests from it are
// discarded, running decodes continue, and the current generation is
// incremented. Calls naming an already retired generation only return the
// current one.
func (s *Scheduler) CancelGeneration(old uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old != s.generation {
		return s.generation
	}
	s.generation++

	dropped := 0
	for elem := s.queue.Front(); elem != nil; {
		next := elem.Next()
		req := elem.Value.(request)
		if req.generation < s.generation {
			s.queue.Remove(elem)
			delete(s.queued, req.key)
			dropped++
		}
		elem = next
	}
	clear(s.failed)

	if dropped > 0 {
		s.log.Debug("Dropped stale tile requests",
			zap.Uint64("generation", s.generation),
			zap.Int("dropped", dropped),
		)
	}
	return s.generation
}

// Pending reports whether key is queued or being decoded.
func (s *Scheduler) Pending(key pyramid.TileKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, queued := s.queued[key]
	_, running := s.running[key]
	return queued || running
}

// Failed reports whether key failed to decode in the current generation.
func (s *Scheduler) Failed(key pyramid.TileKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.failed[key]
	return ok && g == s.generation
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Generation: s.generation,
		Queued:     s.queue.Len(),
		Running:    len(s.running),
		Failed:     len(s.failed),
		Decoded:    s.decoded,
		Stale:      s.stale,
		Errors:     s.errs,
	}
}

// Close stops accepting work and discards the queue. Decodes already
// running finish in the background but their results are neither cached
// nor delivered. Close does not wait; use Wait for that.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue.Init()
	clear(s.queued)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		req, ok := s.next()
		if !ok {
			return nil
		}
		s.run(ctx, req)
	}
}

func (s *Scheduler) next() (request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && s.queue.Len() == 0 {
		s.cond.Wait()
	}
	if s.closed {
		return request{}, false
	}

	req := s.queue.Remove(s.queue.Front()).(request)
	delete(s.queued, req.key)
	s.running[req.key] = req.generation
	return req, true
}

func (s *Scheduler) run(ctx context.Context, req request) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.finish(ctx, req.key, nil, err)
			return
		}
	}

	entry, err := s.decode(ctx, req.key)
	if err == nil && entry == nil {
		err = errors.New("decoder returned no pixels")
	}
	s.finish(ctx, req.key, entry, err)
}

func (s *Scheduler) finish(ctx context.Context, key pyramid.TileKey, entry *cache.Entry, err error) {
	s.mu.Lock()
	generation := s.running[key]
	delete(s.running, key)
	if s.closed {
		s.mu.Unlock()
		return
	}
	current := generation == s.generation

	var res Result
	if err != nil {
		s.errs++
		if current {
			s.failed[key] = generation
		}
		res = Result{Key: key, Generation: generation, Err: &DecodeError{Key: key, Err: err}}
	} else {
		// cached under the lock so nothing lands after Close
		s.cache.Put(key, entry)
		s.decoded++
		if !current {
			s.stale++
		}
		res = Result{Key: key, Generation: generation, Entry: entry}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("Tile decode failed",
			zap.Stringer("tile", key),
			zap.Uint64("generation", generation),
			zap.Error(err),
		)
	}
	if !current {
		return
	}

	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}
