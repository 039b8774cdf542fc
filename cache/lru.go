package cache

// lruPushFront inserts e at the head (most-recently-used end) of the LRU
// list. Caller must hold c.mu and must not call this on a pinned or
// protected entry — those live in the pinned/protected sets instead, per
// spec.md §4.1.2 item 2.
func (c *Cache) lruPushFront(e *Entry) {
	e.lruPrev = nil
	e.lruNext = c.lruHead
	if c.lruHead != nil {
		c.lruHead.lruPrev = e
	}
	c.lruHead = e
	if c.lruTail == nil {
		c.lruTail = e
	}
}

// lruRemove unlinks e from the LRU list if present. Safe to call on an
// entry not currently in the list.
func (c *Cache) lruRemove(e *Entry) {
	if e.lruPrev == nil && e.lruNext == nil && c.lruHead != e && c.lruTail != e {
		return
	}
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else if c.lruHead == e {
		c.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else if c.lruTail == e {
		c.lruTail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
}

// lruTouch moves e to the head, per spec.md §4.1.2 item 2: "moved to head
// on any successful protect of a resident entry".
func (c *Cache) lruTouch(e *Entry) {
	if c.lruHead == e {
		return
	}
	c.lruRemove(e)
	c.lruPushFront(e)
}

// removeFromEvictableListsLocked takes e out of whichever of the LRU list
// or pinned set it currently occupies, in preparation for moving it into
// the protected set.
func (c *Cache) removeFromEvictableListsLocked(e *Entry) {
	if e.pinned() {
		delete(c.pinned, e.Addr)
		return
	}
	c.lruRemove(e)
}
