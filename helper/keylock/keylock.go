// Package keylock provides one mutex per key, created on demand and dropped once nobody holds it.
package keylock

import "sync"

type keyLock struct {
	lk   sync.Mutex
	refs uint // access with Locks.lk
}

type Locks struct {
	lk    sync.Mutex
	locks map[string]*keyLock
}

func New() *Locks {
	return &Locks{locks: make(map[string]*keyLock)}
}

// Lock blocks until the lock for key is held and returns the function that releases it.
func (l *Locks) Lock(key string) func() {
	l.lk.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.lk.Unlock()

	kl.lk.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.lk.Unlock()

			l.lk.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, key)
			}
			l.lk.Unlock()
		})
	}
}

// Len returns the number of keys currently locked or waited on.
func (l *Locks) Len() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return len(l.locks)
}
