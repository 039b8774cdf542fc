package cache

import "github.com/hdf5go/mdcache/format"

// CreateProxy inserts a zero-size proxy entry at addr, used as a shared
// flush-dep parent for a whole client subtree — e.g. every extensible
// array internal block becomes a child of the array's top-proxy, per
// spec.md §4.1.6. Proxy entries are born pinned-from-cache, since a
// proxy with no entry referencing it has nothing keeping it resident.
func (c *Cache) CreateProxy(addr format.Addr, ring int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.index[addr]; exists {
		return &AlreadyExistsError{Addr: addr}
	}
	e := newEntry(addr, format.ClassPrefetched, nil, 0, ring)
	e.isProxy = true
	e.Flags |= FlagPinnedFromCache
	c.index[addr] = e
	c.pinned[addr] = e
	c.stats.NumEntries++
	c.epoch++
	return nil
}

// ProxyAddChild adds child as a reference-counted member of the proxy
// subtree rooted at proxyAddr, creating a flush dependency from the
// proxy to child. A proxy may not be added as a child of itself.
func (c *Cache) ProxyAddChild(proxyAddr, child format.Addr) error {
	c.mu.Lock()
	proxy, ok := c.index[proxyAddr]
	c.mu.Unlock()
	if !ok {
		return &NotFoundError{Addr: proxyAddr}
	}
	if !proxy.isProxy {
		return &SystemStateError{Msg: "proxy_add_child: target is not a proxy entry"}
	}
	if proxyAddr == child {
		return &SystemStateError{Msg: "proxy_add_child: a proxy cannot be its own child"}
	}
	if err := c.FlushDepCreate(proxyAddr, child); err != nil {
		return err
	}
	c.mu.Lock()
	proxy.proxyRefs++
	c.mu.Unlock()
	return nil
}

// ProxyRemoveChild undoes ProxyAddChild, destroying the flush dependency
// and decrementing the proxy's reference count. When the count reaches
// zero the proxy itself becomes eligible for destruction by the caller
// (typically when the owning object header is deleted).
func (c *Cache) ProxyRemoveChild(proxyAddr, child format.Addr) error {
	if err := c.FlushDepDestroy(proxyAddr, child); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	proxy, ok := c.index[proxyAddr]
	if !ok {
		return &NotFoundError{Addr: proxyAddr}
	}
	if proxy.proxyRefs > 0 {
		proxy.proxyRefs--
	}
	return nil
}

// DestroyProxy removes a proxy entry once its reference count has
// dropped to zero.
func (c *Cache) DestroyProxy(addr format.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return &NotFoundError{Addr: addr}
	}
	if !e.isProxy {
		return &SystemStateError{Msg: "destroy_proxy: not a proxy entry"}
	}
	if e.proxyRefs > 0 {
		return &SystemStateError{Msg: "destroy_proxy: proxy still has children"}
	}
	c.removeEntryLocked(e, false)
	return nil
}
