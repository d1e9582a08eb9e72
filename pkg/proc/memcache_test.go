package proc

import (
	"bytes"
	"testing"
)

func TestCachedMemoryReadThrough(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	want := []byte("cached contents")
	b.setRawBytes(0x1100, want)

	buf := make([]byte, len(want))
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory")
	if !bytes.Equal(buf, want) {
		t.Fatalf("read %q, want %q", buf, want)
	}

	// While the generation counters stand still the cache serves stale
	// data even if the underlying bytes change.
	b.setRawBytes(0x1100, []byte("mutated behind it"))
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "second ReadMemory")
	if !bytes.Equal(buf, want) {
		t.Errorf("cache did not serve the cached chunk: got %q", buf)
	}
}

func TestCachedMemorySpansChunks(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 8)
	assertNoError(err, t, "NewCachedMemory")

	// Straddle a chunk boundary.
	addr := uint64(0x1000 + memCacheChunkSize - 4)
	want := []byte("spans two cache chunks")
	b.setRawBytes(addr, want)

	buf := make([]byte, len(want))
	_, err = cm.ReadMemory(buf, addr)
	assertNoError(err, t, "ReadMemory across chunk boundary")
	if !bytes.Equal(buf, want) {
		t.Errorf("read %q, want %q", buf, want)
	}
}

func TestCachedMemoryStaleAfterMemoryWrite(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	b.setRawBytes(0x1100, []byte("before"))
	buf := make([]byte, 6)
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory")

	// A write through the process bumps the memory generation, so the
	// cached chunk must not be reused.
	_, err = p.WriteMemory(0x1100, []byte("after."))
	assertNoError(err, t, "WriteMemory")
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory after write")
	if string(buf) != "after." {
		t.Errorf("cache served stale data after a memory write: %q", buf)
	}
}

func TestCachedMemoryStaleAfterStop(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	b.setRawBytes(0x1100, []byte("gen-one"))
	buf := make([]byte, 7)
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory")

	// A resume/stop cycle moves the stop generation; the target may have
	// run arbitrary code in between.
	sub := NewListener("sub")
	defer sub.Close()
	p.Broadcaster().Subscribe(sub, EventStateChanged)
	assertNoError(p.Resume(), t, "Resume")
	b.setRawBytes(0x1100, []byte("gen-two"))
	b.postStop()
	waitForPublicState(t, p, sub, StateStopped)

	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory after stop")
	if string(buf) != "gen-two" {
		t.Errorf("cache served stale data across a stop: %q", buf)
	}
}

func TestCachedMemoryBypassesOnInvalidModID(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	p.mod.SetInvalid()
	b.setRawBytes(0x1100, []byte("first"))
	buf := make([]byte, 5)
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory")
	if string(buf) != "first" {
		t.Fatalf("read %q, want %q", buf, "first")
	}

	// With an invalid identity nothing may be cached.
	b.setRawBytes(0x1100, []byte("fresh"))
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "second ReadMemory")
	if string(buf) != "fresh" {
		t.Errorf("invalid identity read served cached data: %q", buf)
	}
}

func TestCachedMemoryHidesTrapOpcodes(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	addr := uint64(0x1100)
	b.setRawBytes(addr, []byte{0x90})
	_, err = p.CreateBreakpointSite(addr, true)
	assertNoError(err, t, "CreateBreakpointSite")

	buf := make([]byte, 1)
	_, err = cm.ReadMemory(buf, addr)
	assertNoError(err, t, "ReadMemory")
	if buf[0] != 0x90 {
		t.Errorf("cached read leaked the trap opcode: %#x", buf[0])
	}
}

func TestCachedMemoryReadsNearRegionEdge(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	// Shrink the readable region so the aligned chunk spills past its
	// end while the requested bytes stay inside it.
	b.mu.Lock()
	b.mem = b.mem[:300]
	b.mu.Unlock()

	want := []byte("edgebyte")
	b.setRawBytes(0x1120, want)
	buf := make([]byte, len(want))
	n, err := cm.ReadMemory(buf, 0x1120)
	assertNoError(err, t, "ReadMemory near region edge")
	if n != len(want) || !bytes.Equal(buf, want) {
		t.Errorf("read %d bytes %q, want %q", n, buf[:n], want)
	}
}

func TestCachedMemoryPurge(t *testing.T) {
	p, b := startTestProcess(t)
	cm, err := NewCachedMemory(p, 4)
	assertNoError(err, t, "NewCachedMemory")

	b.setRawBytes(0x1100, []byte("abc"))
	buf := make([]byte, 3)
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory")

	b.setRawBytes(0x1100, []byte("xyz"))
	cm.Purge()
	_, err = cm.ReadMemory(buf, 0x1100)
	assertNoError(err, t, "ReadMemory after purge")
	if string(buf) != "xyz" {
		t.Errorf("purged cache served stale data: %q", buf)
	}
}
