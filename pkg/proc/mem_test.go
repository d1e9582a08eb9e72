package proc

import (
	"bytes"
	"errors"
	"testing"
)

func (b *scriptedBackend) rawBytes(addr uint64, size int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, size)
	copy(out, b.mem[addr-b.base:])
	return out
}

func (b *scriptedBackend) setRawBytes(addr uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.mem[addr-b.base:], data)
}

func TestReadWriteRoundTrip(t *testing.T) {
	p, _ := startTestProcess(t)
	data := []byte("some target bytes")
	n, err := p.WriteMemory(0x1100, data)
	assertNoError(err, t, "WriteMemory")
	if n != len(data) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}
	buf := make([]byte, len(data))
	_, err = p.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory")
	if !bytes.Equal(buf, data) {
		t.Errorf("read back %q, want %q", buf, data)
	}
}

func TestPartialTransfersAreContinued(t *testing.T) {
	p, b := startTestProcess(t)
	b.mu.Lock()
	b.maxChunk = 3
	b.mu.Unlock()

	data := []byte("crosses several backend chunks")
	_, err := p.WriteMemory(0x1200, data)
	assertNoError(err, t, "WriteMemory with partial transfers")

	buf := make([]byte, len(data))
	_, err = p.ReadMemory(buf, 0x1200)
	assertNoError(err, t, "ReadMemory with partial transfers")
	if !bytes.Equal(buf, data) {
		t.Errorf("read back %q, want %q", buf, data)
	}
}

func TestMemoryAccessWhileRunningFails(t *testing.T) {
	p, _ := startTestProcess(t)
	assertNoError(p.Resume(), t, "Resume")

	buf := make([]byte, 8)
	if _, err := p.ReadMemory(buf, 0x1000); err != ErrProcessRunning {
		t.Errorf("ReadMemory while running: expected ErrProcessRunning, got %v", err)
	}
	if _, err := p.WriteMemory(0x1000, buf); err != ErrProcessRunning {
		t.Errorf("WriteMemory while running: expected ErrProcessRunning, got %v", err)
	}
}

func TestReadInvalidAddress(t *testing.T) {
	p, _ := startTestProcess(t)
	buf := make([]byte, 8)
	_, err := p.ReadMemory(buf, 0x10)
	var iae InvalidAddressError
	if !errors.As(err, &iae) {
		t.Errorf("expected InvalidAddressError, got %v", err)
	}
}

func TestBreakpointSiteInsertsTrap(t *testing.T) {
	p, b := startTestProcess(t)
	addr := uint64(0x1300)
	b.setRawBytes(addr, []byte{0x55}) // push rbp

	site, err := p.CreateBreakpointSite(addr, true)
	assertNoError(err, t, "CreateBreakpointSite")
	if !site.Enabled() {
		t.Fatal("site not enabled")
	}
	if raw := b.rawBytes(addr, 1); raw[0] != 0xCC {
		t.Errorf("trap opcode not inserted, memory holds %#x", raw[0])
	}
	if saved := site.SavedOpcode(); saved[0] != 0x55 {
		t.Errorf("saved opcode = %#x, want 0x55", saved[0])
	}

	assertNoError(p.DisableBreakpointSite(site), t, "DisableBreakpointSite")
	if raw := b.rawBytes(addr, 1); raw[0] != 0x55 {
		t.Errorf("original byte not restored, memory holds %#x", raw[0])
	}
}

func TestReadsHideTrapOpcodes(t *testing.T) {
	p, b := startTestProcess(t)
	addr := uint64(0x1400)
	original := []byte{0x48, 0x89, 0xe5, 0x90}
	b.setRawBytes(addr, original)

	_, err := p.CreateBreakpointSite(addr+1, true)
	assertNoError(err, t, "CreateBreakpointSite")

	buf := make([]byte, len(original))
	_, err = p.ReadMemory(buf, addr)
	assertNoError(err, t, "ReadMemory")
	if !bytes.Equal(buf, original) {
		t.Errorf("read %#x, want %#x: trap opcode leaked", buf, original)
	}
}

func TestWritesPreserveTrapOpcodes(t *testing.T) {
	p, b := startTestProcess(t)
	addr := uint64(0x1500)
	b.setRawBytes(addr, []byte{0x11, 0x22, 0x33, 0x44})

	site, err := p.CreateBreakpointSite(addr+2, true)
	assertNoError(err, t, "CreateBreakpointSite")

	data := []byte{0xaa, 0xbb, 0xee, 0xdd}
	n, err := p.WriteMemory(addr, data)
	assertNoError(err, t, "WriteMemory over a breakpoint site")
	if n != len(data) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}

	// The trap must still be armed in the underlying memory.
	if raw := b.rawBytes(addr+2, 1); raw[0] != 0xCC {
		t.Errorf("write clobbered the trap opcode: memory holds %#x", raw[0])
	}
	// But callers reading back must see their own data.
	buf := make([]byte, len(data))
	_, err = p.ReadMemory(buf, addr)
	assertNoError(err, t, "ReadMemory")
	if !bytes.Equal(buf, data) {
		t.Errorf("read back %#x, want %#x", buf, data)
	}
	// And disabling the site lands the diverted byte in memory.
	assertNoError(p.DisableBreakpointSite(site), t, "DisableBreakpointSite")
	if raw := b.rawBytes(addr+2, 1); raw[0] != 0xee {
		t.Errorf("diverted byte not restored on disable: memory holds %#x", raw[0])
	}
}

func TestMemoryCounterBumpsOncePerMutation(t *testing.T) {
	p, _ := startTestProcess(t)
	addr := uint64(0x1600)

	memID := p.GetMemoryID()
	site, err := p.CreateBreakpointSite(addr, true)
	assertNoError(err, t, "CreateBreakpointSite")
	if got := p.GetMemoryID(); got != memID+1 {
		t.Errorf("enable bumped the memory counter by %d, want 1", got-memID)
	}

	memID = p.GetMemoryID()
	_, err = p.WriteMemory(addr-4, make([]byte, 16))
	assertNoError(err, t, "WriteMemory")
	if got := p.GetMemoryID(); got != memID+1 {
		t.Errorf("write bumped the memory counter by %d, want 1", got-memID)
	}

	memID = p.GetMemoryID()
	buf := make([]byte, 16)
	_, err = p.ReadMemory(buf, addr-4)
	assertNoError(err, t, "ReadMemory")
	if got := p.GetMemoryID(); got != memID {
		t.Error("read bumped the memory counter")
	}

	memID = p.GetMemoryID()
	assertNoError(p.DisableBreakpointSite(site), t, "DisableBreakpointSite")
	if got := p.GetMemoryID(); got != memID+1 {
		t.Errorf("disable bumped the memory counter by %d, want 1", got-memID)
	}

	// Enable and disable are idempotent and free when nothing changes.
	memID = p.GetMemoryID()
	assertNoError(p.DisableBreakpointSite(site), t, "second DisableBreakpointSite")
	if got := p.GetMemoryID(); got != memID {
		t.Error("redundant disable bumped the memory counter")
	}
}

func TestBreakpointSiteLifecycle(t *testing.T) {
	p, _ := startTestProcess(t)
	addr := uint64(0x1700)

	site, err := p.CreateBreakpointSite(addr, false)
	assertNoError(err, t, "CreateBreakpointSite")
	if site.Enabled() {
		t.Error("site enabled without request")
	}

	_, err = p.CreateBreakpointSite(addr, false)
	var exists BreakpointSiteExistsError
	if !errors.As(err, &exists) {
		t.Errorf("duplicate create: expected BreakpointSiteExistsError, got %v", err)
	}

	found, ok := p.FindBreakpointSite(addr)
	if !ok || found != site {
		t.Error("FindBreakpointSite did not return the registered site")
	}

	assertNoError(p.ClearBreakpointSite(addr), t, "ClearBreakpointSite")
	if _, ok := p.FindBreakpointSite(addr); ok {
		t.Error("site still registered after clear")
	}
	var missing NoBreakpointSiteError
	if err := p.ClearBreakpointSite(addr); !errors.As(err, &missing) {
		t.Errorf("expected NoBreakpointSiteError, got %v", err)
	}
}

func TestAllocateDeallocateMemory(t *testing.T) {
	p, _ := startTestProcess(t)
	addr, err := p.AllocateMemory(512, MemRead|MemWrite)
	assertNoError(err, t, "AllocateMemory")
	if addr == 0 {
		t.Fatal("allocation returned the null address")
	}
	assertNoError(p.DeallocateMemory(addr), t, "DeallocateMemory")

	var iae InvalidAddressError
	if err := p.DeallocateMemory(addr); !errors.As(err, &iae) {
		t.Errorf("double free: expected InvalidAddressError, got %v", err)
	}
	if err := p.DeallocateMemory(0xdead0000); !errors.As(err, &iae) {
		t.Errorf("unknown address: expected InvalidAddressError, got %v", err)
	}
}
