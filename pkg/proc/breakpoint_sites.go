package proc

import (
	"bytes"
	"fmt"
	"sync"
)

// BreakpointSite is an address where a trap opcode has been (or can be)
// inserted. The original bytes are preserved so reads and writes through
// the process can hide the trap from callers.
type BreakpointSite struct {
	ID   int
	Addr uint64

	enabled bool
	saved   []byte

	HitCount uint64
}

// Enabled reports whether the trap opcode is currently inserted.
func (site *BreakpointSite) Enabled() bool { return site.enabled }

// SavedOpcode returns the original bytes replaced by the trap opcode.
// Valid only while the site is enabled.
func (site *BreakpointSite) SavedOpcode() []byte { return site.saved }

func (site *BreakpointSite) String() string {
	return fmt.Sprintf("breakpoint site %d at %#x (enabled=%v)", site.ID, site.Addr, site.enabled)
}

// overlap returns the intersection of [addr, addr+size) with the opcode
// range of the site, as an offset/length pair relative to addr.
func (site *BreakpointSite) overlap(addr uint64, size int) (off, length int, ok bool) {
	lo := site.Addr
	hi := site.Addr + uint64(len(site.saved))
	alo := addr
	ahi := addr + uint64(size)
	if hi <= alo || ahi <= lo {
		return 0, 0, false
	}
	start := alo
	if lo > start {
		start = lo
	}
	end := ahi
	if hi < end {
		end = hi
	}
	return int(start - alo), int(end - start), true
}

// BreakpointSiteExistsError is returned when creating a breakpoint site at
// an address that already has one.
type BreakpointSiteExistsError struct {
	Addr uint64
}

func (e BreakpointSiteExistsError) Error() string {
	return fmt.Sprintf("breakpoint site exists at %#x", e.Addr)
}

// NoBreakpointSiteError is returned when operating on a breakpoint site
// that does not exist.
type NoBreakpointSiteError struct {
	Addr uint64
}

func (e NoBreakpointSiteError) Error() string {
	return fmt.Sprintf("no breakpoint site at %#x", e.Addr)
}

// BreakpointSiteList is an (address, site) map guarded by its own lock.
type BreakpointSiteList struct {
	mu        sync.Mutex
	m         map[uint64]*BreakpointSite
	idCounter int
}

// NewBreakpointSiteList creates an empty BreakpointSiteList.
func NewBreakpointSiteList() *BreakpointSiteList {
	return &BreakpointSiteList{m: make(map[uint64]*BreakpointSite)}
}

// FindByAddr returns the site at addr.
func (list *BreakpointSiteList) FindByAddr(addr uint64) (*BreakpointSite, bool) {
	list.mu.Lock()
	defer list.mu.Unlock()
	site, ok := list.m[addr]
	return site, ok
}

// ForEach calls fn for every site in the list while holding the list lock.
func (list *BreakpointSiteList) ForEach(fn func(*BreakpointSite)) {
	list.mu.Lock()
	defer list.mu.Unlock()
	for _, site := range list.m {
		fn(site)
	}
}

// Sites returns a snapshot of all sites.
func (list *BreakpointSiteList) Sites() []*BreakpointSite {
	list.mu.Lock()
	defer list.mu.Unlock()
	r := make([]*BreakpointSite, 0, len(list.m))
	for _, site := range list.m {
		r = append(r, site)
	}
	return r
}

func (list *BreakpointSiteList) add(addr uint64, opcodeLen int) (*BreakpointSite, error) {
	list.mu.Lock()
	defer list.mu.Unlock()
	if _, ok := list.m[addr]; ok {
		return nil, BreakpointSiteExistsError{addr}
	}
	list.idCounter++
	site := &BreakpointSite{
		ID:    list.idCounter,
		Addr:  addr,
		saved: make([]byte, opcodeLen),
	}
	list.m[addr] = site
	return site, nil
}

func (list *BreakpointSiteList) remove(addr uint64) (*BreakpointSite, error) {
	list.mu.Lock()
	defer list.mu.Unlock()
	site, ok := list.m[addr]
	if !ok {
		return nil, NoBreakpointSiteError{addr}
	}
	delete(list.m, addr)
	return site, nil
}

// CreateBreakpointSite registers a disabled site at addr and, when enable
// is set, inserts the trap opcode.
func (p *Process) CreateBreakpointSite(addr uint64, enable bool) (*BreakpointSite, error) {
	site, err := p.sites.add(addr, p.backend.Arch().BreakpointSize())
	if err != nil {
		return nil, err
	}
	if enable {
		if err := p.EnableBreakpointSite(site); err != nil {
			p.sites.remove(addr)
			return nil, err
		}
	}
	return site, nil
}

// FindBreakpointSite returns the site at addr, if any.
func (p *Process) FindBreakpointSite(addr uint64) (*BreakpointSite, bool) {
	return p.sites.FindByAddr(addr)
}

// ClearBreakpointSite disables and removes the site at addr.
func (p *Process) ClearBreakpointSite(addr uint64) error {
	site, ok := p.sites.FindByAddr(addr)
	if !ok {
		return NoBreakpointSiteError{addr}
	}
	if err := p.DisableBreakpointSite(site); err != nil {
		return err
	}
	_, err := p.sites.remove(addr)
	return err
}

// EnableBreakpointSite inserts the trap opcode at the site's address,
// saving the bytes it replaces. The modification identity's memory counter
// is bumped once per logical enable.
func (p *Process) EnableBreakpointSite(site *BreakpointSite) error {
	p.sites.mu.Lock()
	defer p.sites.mu.Unlock()
	if site.enabled {
		return nil
	}
	trap := p.backend.Arch().BreakpointInstruction()
	if err := p.readRaw(site.saved, site.Addr); err != nil {
		return err
	}
	if err := p.writeRaw(site.Addr, trap); err != nil {
		return err
	}
	if p.props.VerifyBreakpointWrites {
		verify := make([]byte, len(trap))
		if err := p.readRaw(verify, site.Addr); err != nil {
			return err
		}
		if !bytes.Equal(verify, trap) {
			return fmt.Errorf("breakpoint verification failed at %#x", site.Addr)
		}
	}
	site.enabled = true
	p.mod.BumpMemory()
	p.memlog.Debugf("enabled breakpoint site %d at %#x", site.ID, site.Addr)
	return nil
}

// DisableBreakpointSite restores the original bytes at the site's address.
// The memory counter is bumped once per logical disable.
func (p *Process) DisableBreakpointSite(site *BreakpointSite) error {
	p.sites.mu.Lock()
	defer p.sites.mu.Unlock()
	if !site.enabled {
		return nil
	}
	if err := p.writeRaw(site.Addr, site.saved); err != nil {
		return err
	}
	if p.props.VerifyBreakpointWrites {
		verify := make([]byte, len(site.saved))
		if err := p.readRaw(verify, site.Addr); err != nil {
			return err
		}
		if !bytes.Equal(verify, site.saved) {
			return fmt.Errorf("breakpoint restore verification failed at %#x", site.Addr)
		}
	}
	site.enabled = false
	p.mod.BumpMemory()
	p.memlog.Debugf("disabled breakpoint site %d at %#x", site.ID, site.Addr)
	return nil
}
