// Package agentlock serializes writers of a single agent record.
package agentlock

import "sync"

// Locker hands out one mutex per agent id. Entries are dropped once no
// goroutine holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[uint]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *Locker {
	return &Locker{locks: make(map[uint]*entry)}
}

// Lock blocks until the caller owns agentID and returns the release func.
func (l *Locker) Lock(agentID uint) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[agentID]
	if !ok {
		e = &entry{}
		l.locks[agentID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, agentID)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many agent ids currently have a live entry.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
