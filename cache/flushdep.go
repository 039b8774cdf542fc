package cache

import "github.com/hdf5go/mdcache/format"

// FlushDepCreate records that child must be serialized before parent, per
// spec.md §4.1.5. Rejects the call if it would create a cycle: the
// client hierarchy is a DAG rooted at the superblock, and debug-mode
// reachability checks are how spec.md §4.1.5 says to verify that.
func (c *Cache) FlushDepCreate(parent, child format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.index[parent]
	if !ok {
		return &NotFoundError{Addr: parent}
	}
	ch, ok := c.index[child]
	if !ok {
		return &NotFoundError{Addr: child}
	}
	if p == ch {
		return &DependencyCycleError{Parent: parent, Child: child}
	}
	if reachable(ch, p) {
		return &DependencyCycleError{Parent: parent, Child: child}
	}

	if _, exists := p.deps.children[ch]; exists {
		return nil
	}
	p.deps.children[ch] = struct{}{}
	ch.deps.parents[p] = struct{}{}
	p.deps.nChildren++
	if ch.dirty() {
		p.deps.nDirtyChildren++
	}
	if ch.Flags.Has(FlagInSlist) || !ch.Flags.Has(FlagImageUpToDate) {
		p.deps.nUnserializedChildren++
	}
	return nil
}

// FlushDepDestroy removes a previously created flush dependency.
func (c *Cache) FlushDepDestroy(parent, child format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.index[parent]
	if !ok {
		return &NotFoundError{Addr: parent}
	}
	ch, ok := c.index[child]
	if !ok {
		return &NotFoundError{Addr: child}
	}
	if _, exists := p.deps.children[ch]; !exists {
		return &SystemStateError{Msg: "flush_dep_destroy: no such dependency"}
	}
	delete(p.deps.children, ch)
	delete(ch.deps.parents, p)
	p.deps.nChildren--
	if ch.dirty() && p.deps.nDirtyChildren > 0 {
		p.deps.nDirtyChildren--
	}
	if (ch.Flags.Has(FlagInSlist) || !ch.Flags.Has(FlagImageUpToDate)) && p.deps.nUnserializedChildren > 0 {
		p.deps.nUnserializedChildren--
	}
	return nil
}

// reachable reports whether target is reachable from start by following
// child edges — used to reject a new flush dependency that would close
// a cycle.
func reachable(start, target *Entry) bool {
	if start == target {
		return true
	}
	visited := make(map[*Entry]bool)
	stack := []*Entry{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		for ch := range n.deps.children {
			if ch == target {
				return true
			}
			stack = append(stack, ch)
		}
	}
	return false
}

// Cork pins every entry currently bearing tag, per spec.md §4.1.6, making
// them ineligible for eviction for the duration of a bulk operation like
// a dataset extension.
func (c *Cache) Cork(tag format.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagCorked[tag] = true
	for addr, e := range c.index {
		if e.Tag == tag && !e.pinned() {
			e.Flags |= FlagPinnedFromCache
			if !e.protected() {
				c.lruRemove(e)
				c.pinned[addr] = e
			}
		}
	}
}

// Uncork releases a prior Cork, unpinning tag's entries (unless they are
// independently pinned for another reason).
func (c *Cache) Uncork(tag format.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tagCorked, tag)
	for addr, e := range c.index {
		if e.Tag != tag {
			continue
		}
		e.Flags &^= FlagPinnedFromCache
		if !e.pinned() && !e.protected() {
			delete(c.pinned, addr)
			c.lruPushFront(e)
		}
	}
}

// IsCorked reports whether tag is currently corked.
func (c *Cache) IsCorked(tag format.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tagCorked[tag]
}

// SetTag assigns addr's entry the given object-header tag, used by
// flush_tagged_metadata (FlushTagged) to push one object's metadata
// without flushing the whole cache.
func (c *Cache) SetTag(addr, tag format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	e.Tag = tag
	return nil
}
