package cache

import "github.com/hdf5go/mdcache/format"

// dirtyList is the address-ordered structure spec.md §2 item 4 and §9
// ("Skip list choice") call for: O(log n) insert/remove plus ordered
// iteration, toggleable off entirely when no bulk flush is imminent so
// the hot insert/unprotect path avoids paying for it. No ordered-map or
// balanced-tree library appears anywhere in the retrieved corpus (every
// example repo hand-rolls its own list/tree types), so this is a small
// unbalanced BST keyed by address — adequate because addresses are
// effectively random file offsets, not adversarial input.
type dirtyList struct {
	enabled bool
	root    *dirtyNode
	count   int
}

type dirtyNode struct {
	addr        format.Addr
	entry       *Entry
	left, right *dirtyNode
}

func newDirtyList() *dirtyList {
	return &dirtyList{enabled: true}
}

func (d *dirtyList) setEnabled(on bool) {
	if d.enabled == on {
		return
	}
	d.enabled = on
	if !on {
		d.root = nil
		d.count = 0
	}
}

func (d *dirtyList) insert(e *Entry) {
	if !d.enabled {
		return
	}
	d.root = dirtyInsert(d.root, e)
	e.Flags |= FlagInSlist
	d.count++
}

func dirtyInsert(n *dirtyNode, e *Entry) *dirtyNode {
	if n == nil {
		return &dirtyNode{addr: e.Addr, entry: e}
	}
	switch {
	case e.Addr < n.addr:
		n.left = dirtyInsert(n.left, e)
	case e.Addr > n.addr:
		n.right = dirtyInsert(n.right, e)
	default:
		n.entry = e
	}
	return n
}

func (d *dirtyList) remove(addr format.Addr) {
	if !d.enabled {
		return
	}
	var removed bool
	d.root, removed = dirtyRemove(d.root, addr)
	if removed {
		d.count--
	}
}

func dirtyRemove(n *dirtyNode, addr format.Addr) (*dirtyNode, bool) {
	if n == nil {
		return nil, false
	}
	switch {
	case addr < n.addr:
		var ok bool
		n.left, ok = dirtyRemove(n.left, addr)
		return n, ok
	case addr > n.addr:
		var ok bool
		n.right, ok = dirtyRemove(n.right, addr)
		return n, ok
	default:
		if n.entry != nil {
			n.entry.Flags &^= FlagInSlist
		}
		if n.left == nil {
			return n.right, true
		}
		if n.right == nil {
			return n.left, true
		}
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.addr, n.entry = succ.addr, succ.entry
		n.right, _ = dirtyRemove(n.right, succ.addr)
		return n, true
	}
}

// contains reports whether addr is currently in the dirty list.
func (d *dirtyList) contains(addr format.Addr) bool {
	n := d.root
	for n != nil {
		switch {
		case addr < n.addr:
			n = n.left
		case addr > n.addr:
			n = n.right
		default:
			return true
		}
	}
	return false
}

// ascending calls fn for every entry in address order, stopping early if
// fn returns false. Used by flush to get a near-sequential write pattern
// within a ring.
func (d *dirtyList) ascending(fn func(*Entry) bool) {
	dirtyWalk(d.root, fn)
}

func dirtyWalk(n *dirtyNode, fn func(*Entry) bool) bool {
	if n == nil {
		return true
	}
	if !dirtyWalk(n.left, fn) {
		return false
	}
	if !fn(n.entry) {
		return false
	}
	return dirtyWalk(n.right, fn)
}

func (d *dirtyList) len() int { return d.count }
