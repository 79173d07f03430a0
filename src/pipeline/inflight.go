package pipeline

import "sync"

// InFlight tracks locators that are currently being downloaded. It is the
// one structure mutated from both the foreground pipeline and the
// background prefetcher, so acquisition is an atomic check-and-set.
type InFlight struct {
	mu       sync.Mutex
	locators map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{locators: map[string]struct{}{}}
}

// TryAcquire marks a locator as in flight. Returns false when another
// download of the same locator is already running.
func (f *InFlight) TryAcquire(locator string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.locators[locator]; ok {
		return false
	}
	f.locators[locator] = struct{}{}
	return true
}

func (f *InFlight) Release(locator string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locators, locator)
}

func (f *InFlight) Contains(locator string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.locators[locator]
	return ok
}
