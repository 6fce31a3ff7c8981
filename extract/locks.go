package extract

import "sync"

// pathLocks hands out one mutex per source path and forgets it once no
// caller holds or waits for it.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

func (p *pathLocks) lock(key string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pathLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
