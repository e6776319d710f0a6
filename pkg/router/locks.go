package router

import "sync"

// conversationLocks hands out one mutex per conversation id. Entries are
// reference counted and dropped once no caller holds or waits on them.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[int64]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[int64]*refLock)}
}

// lock blocks until the caller owns conversationID and returns the release
// function.
func (c *conversationLocks) lock(conversationID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &refLock{}
		c.locks[conversationID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}

func (c *conversationLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
