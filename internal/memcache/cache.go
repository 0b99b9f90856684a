// Package memcache implements the paged, read-only cache the control
// engine keeps over target memory. It is not LRU: replacement is driven by
// an "accessed this round" bit that gets cleared wholesale on
// RefreshAccessed, matching the monitor's cost model of a full 256-byte
// page read per miss.
package memcache

import "fmt"

const pageSize = 256

// Fetcher loads one page-aligned 256-byte page from the target.
type Fetcher interface {
	FetchPage(addr int) ([pageSize]byte, error)
}

type line struct {
	address  int
	valid    bool
	accessed bool
	data     [pageSize]byte
}

// Cache is a fixed-capacity set of 256-byte cache lines addressed by the
// page-aligned base of the memory they hold.
type Cache struct {
	fetcher Fetcher
	lines   []line
	index   map[int]int // page base address -> index into lines
}

// New builds a Cache with capacity lines, each holding one 256-byte page.
// The spec's default capacity is 512 lines (128 KiB).
func New(fetcher Fetcher, capacity int) *Cache {
	return &Cache{
		fetcher: fetcher,
		lines:   make([]line, capacity),
		index:   make(map[int]int, capacity),
	}
}

// Invalidate marks every cache line invalid and clears the address index.
// Called on any event that plausibly mutates target memory: pause,
// breakpoint-triggered stop.
func (c *Cache) Invalidate() {
	for i := range c.lines {
		c.lines[i] = line{}
	}
	c.index = make(map[int]int, len(c.lines))
}

// RefreshAccessed re-fetches every line that was touched since the last
// refresh (its contents may have changed under a single step) and drops
// every line that wasn't. Called after a single-step completes.
func (c *Cache) RefreshAccessed() error {
	for addr, i := range c.index {
		l := &c.lines[i]
		if l.accessed {
			data, err := c.fetcher.FetchPage(addr)
			if err != nil {
				return fmt.Errorf("memcache: refresh %#x: %w", addr, err)
			}
			l.data = data
			l.accessed = false
			continue
		}
		*l = line{}
		delete(c.index, addr)
	}
	for i := range c.lines {
		c.lines[i].accessed = false
	}
	return nil
}

// Read satisfies a request for len(target) bytes starting at addr, paging
// in whatever lines are missing.
func (c *Cache) Read(addr int, target []byte) error {
	lineAddr := addr &^ (pageSize - 1)
	offset := addr % pageSize
	remaining := target
	for len(remaining) > 0 {
		n := pageSize - offset
		if n > len(remaining) {
			n = len(remaining)
		}
		l, err := c.ensureValid(lineAddr)
		if err != nil {
			return err
		}
		copy(remaining[:n], l.data[offset:offset+n])
		l.accessed = true
		remaining = remaining[n:]
		offset = 0
		lineAddr += pageSize
	}
	return nil
}

// ReadWord reads a little-endian 16-bit word at addr, for opcode operand
// resolution (spec §4.5).
func (c *Cache) ReadWord(addr int) (uint16, error) {
	var buf [2]byte
	if err := c.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ensureValid returns the cache line holding lineAddr, fetching it from the
// target if necessary. lineAddr must already be page-aligned.
func (c *Cache) ensureValid(lineAddr int) (*line, error) {
	if i, ok := c.index[lineAddr]; ok {
		return &c.lines[i], nil
	}

	slot := c.pickReplacement()
	data, err := c.fetcher.FetchPage(lineAddr)
	if err != nil {
		return nil, fmt.Errorf("memcache: fetch %#x: %w", lineAddr, err)
	}
	old := c.lines[slot].address
	if c.lines[slot].valid {
		delete(c.index, old)
	}
	c.lines[slot] = line{address: lineAddr, valid: true, data: data}
	c.index[lineAddr] = slot
	return &c.lines[slot], nil
}

// pickReplacement chooses a slot by preference: an invalid slot, else a
// slot whose accessed flag is false, else the first slot.
func (c *Cache) pickReplacement() int {
	for i, l := range c.lines {
		if !l.valid {
			return i
		}
	}
	for i, l := range c.lines {
		if !l.accessed {
			return i
		}
	}
	return 0
}
