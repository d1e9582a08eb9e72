package proc

import "sort"

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading and writing target memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// readRaw reads exactly len(buf) bytes at addr straight from the backend,
// continuing past partial reads. A read making no progress is treated as
// an unreadable range.
func (p *Process) readRaw(buf []byte, addr uint64) error {
	total := 0
	for total < len(buf) {
		n, err := p.backend.DoReadMemory(addr+uint64(total), buf[total:])
		if err != nil {
			return err
		}
		if n <= 0 {
			return MemoryReadError{Addr: addr, Requested: len(buf), Read: total}
		}
		total += n
	}
	return nil
}

// writeRaw writes all of data at addr straight to the backend, continuing
// past partial writes.
func (p *Process) writeRaw(addr uint64, data []byte) error {
	total := 0
	for total < len(data) {
		n, err := p.backend.DoWriteMemory(addr+uint64(total), data[total:])
		if err != nil {
			return err
		}
		if n <= 0 {
			return MemoryReadError{Addr: addr, Requested: len(data), Read: total}
		}
		total += n
	}
	return nil
}

// ReadMemory reads len(buf) bytes at addr. Byte ranges overlapping an
// enabled breakpoint site are substituted with the site's saved original
// bytes: callers never observe trap opcodes. ReadMemory requires the
// process to be stopped.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if !p.runLock.TryRLock() {
		return 0, ErrProcessRunning
	}
	defer p.runLock.RUnlock()

	if err := p.readRaw(buf, addr); err != nil {
		return 0, err
	}

	p.sites.mu.Lock()
	for _, site := range p.sites.m {
		if !site.enabled {
			continue
		}
		off, length, ok := site.overlap(addr, len(buf))
		if !ok {
			continue
		}
		siteOff := int(addr + uint64(off) - site.Addr)
		copy(buf[off:off+length], site.saved[siteOff:siteOff+length])
	}
	p.sites.mu.Unlock()

	p.memlog.Debugf("read %d bytes at %#x", len(buf), addr)
	return len(buf), nil
}

// WriteMemory writes data at addr. Where the range overlaps an enabled
// breakpoint site the trap opcode is preserved in the underlying memory
// and the new bytes land in the site's saved copy instead, so the trap
// stays armed and later reads still see the caller's data. The memory
// generation counter is bumped once on success.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if !p.runLock.TryRLock() {
		return 0, ErrProcessRunning
	}
	defer p.runLock.RUnlock()

	type hole struct {
		off, length, siteOff int
		site                 *BreakpointSite
	}
	var holes []hole
	p.sites.mu.Lock()
	for _, site := range p.sites.m {
		if !site.enabled {
			continue
		}
		off, length, ok := site.overlap(addr, len(data))
		if !ok {
			continue
		}
		holes = append(holes, hole{
			off:     off,
			length:  length,
			siteOff: int(addr + uint64(off) - site.Addr),
			site:    site,
		})
	}

	// Write the stretches between holes to the backend, then divert the
	// overlapped bytes into each site's saved copy.
	written := 0
	cursor := 0
	flush := func(end int) error {
		if cursor >= end {
			return nil
		}
		if err := p.writeRaw(addr+uint64(cursor), data[cursor:end]); err != nil {
			return err
		}
		written += end - cursor
		return nil
	}
	sort.Slice(holes, func(i, j int) bool { return holes[i].off < holes[j].off })
	for _, h := range holes {
		if err := flush(h.off); err != nil {
			p.sites.mu.Unlock()
			return written, err
		}
		copy(h.site.saved[h.siteOff:h.siteOff+h.length], data[h.off:h.off+h.length])
		written += h.length
		cursor = h.off + h.length
	}
	if err := flush(len(data)); err != nil {
		p.sites.mu.Unlock()
		return written, err
	}
	p.sites.mu.Unlock()

	p.mod.BumpMemory()
	p.memlog.Debugf("wrote %d bytes at %#x (%d breakpoint sites preserved)", len(data), addr, len(holes))
	return written, nil
}

// AllocateMemory allocates a region of the given size in the target.
func (p *Process) AllocateMemory(size uint64, perms MemPerms) (uint64, error) {
	if !p.runLock.TryRLock() {
		return 0, ErrProcessRunning
	}
	defer p.runLock.RUnlock()
	addr, err := p.backend.DoAllocateMemory(size, perms)
	if err != nil {
		return 0, err
	}
	p.allocMu.Lock()
	p.allocations[addr] = size
	p.allocMu.Unlock()
	return addr, nil
}

// DeallocateMemory releases a region previously obtained from
// AllocateMemory.
func (p *Process) DeallocateMemory(addr uint64) error {
	p.allocMu.Lock()
	_, ok := p.allocations[addr]
	p.allocMu.Unlock()
	if !ok {
		return InvalidAddressError{Address: addr}
	}
	if !p.runLock.TryRLock() {
		return ErrProcessRunning
	}
	defer p.runLock.RUnlock()
	if err := p.backend.DoDeallocateMemory(addr); err != nil {
		return err
	}
	p.allocMu.Lock()
	delete(p.allocations, addr)
	p.allocMu.Unlock()
	return nil
}
