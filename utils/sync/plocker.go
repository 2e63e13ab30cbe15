package sync

import "sync"

// PartitionLocker is a lock that can be used to lock different partitions at the same time.
// Holders of different partitions never wait for each other.
type PartitionLocker struct {
	c *sync.Cond
	l sync.Locker
	s map[string]struct{}
}

// NewPartitionLocker returns a new PartitionLocker.
func NewPartitionLocker() *PartitionLocker {
	l := &sync.Mutex{}
	return &PartitionLocker{
		c: sync.NewCond(l),
		l: l,
		s: make(map[string]struct{}),
	}
}

func (p *PartitionLocker) locked(id string) (ok bool) {
	_, ok = p.s[id]
	return
}

// Lock locks the partition. If the partition is locked, it waits until it is unlocked.
func (p *PartitionLocker) Lock(id string) {
	p.l.Lock()
	defer p.l.Unlock()
	for p.locked(id) {
		p.c.Wait()
	}
	p.s[id] = struct{}{}
}

// TryLock locks the partition only if it is free and reports whether it did.
func (p *PartitionLocker) TryLock(id string) bool {
	p.l.Lock()
	defer p.l.Unlock()
	if p.locked(id) {
		return false
	}
	p.s[id] = struct{}{}
	return true
}

// Unlock unlocks the partition. If the partition is not locked, it panics.
func (p *PartitionLocker) Unlock(id string) {
	p.l.Lock()
	defer p.l.Unlock()
	if !p.locked(id) {
		panic("unlock of unlocked partition " + id)
	}
	delete(p.s, id)
	p.c.Broadcast()
}

// WithLock runs f holding the partition lock. The lock is released even if f panics.
func (p *PartitionLocker) WithLock(id string, f func() error) error {
	p.Lock(id)
	defer p.Unlock(id)
	return f()
}
