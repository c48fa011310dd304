package mvcc

import "sync"

// Latches are per-key write locks held for the span of a commit. All keys a
// transaction wrote are latched at once, so two commits touching the same
// key never interleave validation and application.
//
// Latching is implemented using a single map from latch key to a WaitGroup.
// Threads that find a key latched wait on the WaitGroup and try again.
type Latches struct {
	latchMap   map[string]*sync.WaitGroup
	latchGuard sync.Mutex
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// acquire tries to latch all keys. On success it returns nil; otherwise it
// returns a WaitGroup the caller can block on before retrying.
func (l *Latches) acquire(keys []string) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keys {
		if wg, ok := l.latchMap[key]; ok {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keys {
		l.latchMap[key] = wg
	}
	return nil
}

// WaitForLatches blocks until all keys are latched by the caller.
func (l *Latches) WaitForLatches(keys []string) {
	for {
		wg := l.acquire(keys)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// ReleaseLatches unlatches keys latched together by one WaitForLatches call
// and wakes every waiter.
func (l *Latches) ReleaseLatches(keys []string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keys {
		if first {
			l.latchMap[key].Done()
			first = false
		}
		delete(l.latchMap, key)
	}
}
