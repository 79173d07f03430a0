package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"tonearm/src/provider"
	"tonearm/src/queue"
)

const (
	// DefaultMaxConcurrent bounds how many downloads may run at once.
	DefaultMaxConcurrent = 2

	defaultStartDelay     = 2 * time.Second
	minStartDelay         = 1 * time.Second
	maxStartDelayThrottle = 10 * time.Second
	maxStartDelayFailure  = 5 * time.Second
	startDelayDecrement   = 250 * time.Millisecond
	startDelayIncrement   = time.Second

	// Batch calls linger briefly after starting their downloads so that
	// immediate state changes settle before the caller continues.
	batchSettleDelay = 250 * time.Millisecond
)

const (
	progressPersistInterval = 200 * time.Millisecond
	progressPersistJump     = 5
)

// Prefetcher opportunistically downloads queued items before they are due
// to play, bounded by a concurrency limit and an adaptive inter-start delay
// that backs off on provider throttling and relaxes on success.
type Prefetcher struct {
	queue    *queue.Queue
	pipeline *Pipeline
	inflight *InFlight

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu    sync.Mutex
	delay time.Duration
}

func NewPrefetcher(q *queue.Queue, p *Pipeline, inflight *InFlight, maxConcurrent int64) *Prefetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Prefetcher{
		queue:    q,
		pipeline: p,
		inflight: inflight,
		sem:      semaphore.NewWeighted(maxConcurrent),
		limiter:  rate.NewLimiter(rate.Every(defaultStartDelay), 1),
		delay:    defaultStartDelay,
	}
}

// Delay returns the current adaptive inter-start delay.
func (pf *Prefetcher) Delay() time.Duration {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.delay
}

// PrefetchNext downloads up to count eligible items, or all of them when
// count is 0. Downloads run concurrently; the call returns once all
// permitted items have been started plus a short settle delay, not when the
// downloads finish. Returns the number of downloads started.
func (pf *Prefetcher) PrefetchNext(ctx context.Context, count int) int {
	eligible := pf.queue.Filter(func(it *queue.Item) bool {
		return it.Kind == queue.KindURL && it.State != queue.StateReady && !it.Downloading()
	})

	started := 0
	for _, item := range eligible {
		if count > 0 && started >= count {
			break
		}
		// Downloads mutate items in place, eligibility and the locator must
		// be re-read under the queue lock.
		var locator string
		pf.queue.Inspect(item, func(it *queue.Item) {
			if it.Kind == queue.KindURL && it.State != queue.StateReady && !it.Downloading() {
				locator = it.Locator
			}
		})
		if locator == "" || !pf.inflight.TryAcquire(locator) {
			continue
		}
		if err := pf.sem.Acquire(ctx, 1); err != nil {
			pf.inflight.Release(locator)
			break
		}
		if started == 0 {
			// Spacing applies between starts, not before the first one.
			// Still consume the token so the second start waits.
			pf.limiter.Allow()
		} else if err := pf.limiter.Wait(ctx); err != nil {
			pf.sem.Release(1)
			pf.inflight.Release(locator)
			break
		}

		started++
		go pf.download(ctx, item, locator)
	}

	if started > 0 {
		select {
		case <-time.After(batchSettleDelay):
		case <-ctx.Done():
		}
	}
	return started
}

func (pf *Prefetcher) download(ctx context.Context, item *queue.Item, locator string) {
	defer pf.sem.Release(1)
	defer pf.inflight.Release(locator)

	logger := log.WithField("locator", locator)
	res, err := pf.pipeline.Prepare(ctx, item, MirrorProgress(pf.queue, item))
	if err == nil {
		pf.queue.Update(item, true, func(it *queue.Item) {
			it.MarkReady(res.LocalPath, res.Thumbnail)
			it.Title = res.Title
			it.Artist = res.Artist
			if res.Duration > 0 {
				it.Duration = res.Duration
			}
			it.Prefetched = true
		})
		pf.relax()
		logger.Debugf("Prefetched")
		return
	}

	switch {
	case errors.Is(err, provider.ErrNoResults):
		// Retrying a query with no results can never succeed, drop the
		// item instead of looping on it.
		pf.queue.RemoveRef(item)
		logger.Infof("Removed unresolvable item: %v", err)
	case provider.IsRateLimited(err):
		pf.backOff()
		pf.markErrored(item)
		logger.Warnf("Prefetch throttled, delay now %v: %v", pf.Delay(), err)
	default:
		pf.slowDown()
		pf.markErrored(item)
		logger.Errorf("Prefetch failed: %v", err)
	}
}

func (pf *Prefetcher) markErrored(item *queue.Item) {
	pf.queue.Update(item, true, func(it *queue.Item) {
		it.State = queue.StateError
		it.Progress = 0
	})
}

// relax shrinks the inter-start delay after a success to recover
// throughput.
func (pf *Prefetcher) relax() {
	pf.setDelay(pf.Delay() - startDelayDecrement)
}

// backOff doubles the inter-start delay in response to throttling.
func (pf *Prefetcher) backOff() {
	pf.mu.Lock()
	delay := pf.delay * 2
	pf.mu.Unlock()
	if delay > maxStartDelayThrottle {
		delay = maxStartDelayThrottle
	}
	pf.setDelay(delay)
}

// slowDown adds a fixed increment after a non-throttle failure.
func (pf *Prefetcher) slowDown() {
	delay := pf.Delay() + startDelayIncrement
	if delay > maxStartDelayFailure {
		delay = maxStartDelayFailure
	}
	pf.setDelay(delay)
}

func (pf *Prefetcher) setDelay(delay time.Duration) {
	if delay < minStartDelay {
		delay = minStartDelay
	}
	pf.mu.Lock()
	pf.delay = delay
	pf.mu.Unlock()
	pf.limiter.SetLimit(rate.Every(delay))
}

// MirrorProgress returns a progress callback that mirrors reports into the
// item's download state. Persistence writes are throttled: one write every
// 200ms, or immediately on a jump of more than 5 percentage points.
func MirrorProgress(q *queue.Queue, item *queue.Item) func(Progress) {
	var lastWrite time.Time
	var lastPercent int
	return func(p Progress) {
		persist := time.Since(lastWrite) >= progressPersistInterval || p.Percent-lastPercent > progressPersistJump
		if persist {
			lastWrite = time.Now()
			lastPercent = p.Percent
		}
		q.Update(item, persist, func(it *queue.Item) {
			it.Progress = p.Percent
			switch p.Status {
			case StatusDownloading:
				it.State = queue.StateDownloading
			case StatusError:
				it.State = queue.StateError
			default:
				it.State = queue.StatePreparing
			}
		})
	}
}
