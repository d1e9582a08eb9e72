package proc

import (
	lru "github.com/hashicorp/golang-lru"
)

const memCacheChunkSize = 256

// memCacheKey tags a cached chunk with the modification identity it was
// read under. A chunk is reusable only while both the stop and memory
// generation counters still match.
type memCacheKey struct {
	stopID   uint64
	memoryID uint64
	base     uint64
}

// CachedMemory is a read-through cache over a process's memory, keyed by
// the modification identity so that entries go stale automatically on any
// stop or memory mutation. It implements MemoryReader.
type CachedMemory struct {
	p     *Process
	cache *lru.Cache
}

// NewCachedMemory returns a CachedMemory holding up to maxChunks chunks of
// target memory.
func NewCachedMemory(p *Process, maxChunks int) (*CachedMemory, error) {
	if maxChunks <= 0 {
		maxChunks = 128
	}
	c, err := lru.New(maxChunks)
	if err != nil {
		return nil, err
	}
	return &CachedMemory{p: p, cache: c}, nil
}

// ReadMemory reads len(buf) bytes at addr through the cache. When the
// process's ModID is invalid every read goes straight to the process.
func (cm *CachedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	mod := cm.p.GetModID()
	if !mod.IsValid() {
		return cm.p.ReadMemory(buf, addr)
	}
	total := 0
	for total < len(buf) {
		cur := addr + uint64(total)
		base := cur &^ uint64(memCacheChunkSize-1)
		chunk, err := cm.chunk(mod, base)
		if err != nil {
			// The aligned chunk can spill past the end of a mapped
			// region even when the requested bytes are readable.
			// Read just the remainder uncached.
			n, err := cm.p.ReadMemory(buf[total:], cur)
			return total + n, err
		}
		off := int(cur - base)
		n := copy(buf[total:], chunk[off:])
		total += n
	}
	return total, nil
}

func (cm *CachedMemory) chunk(mod ModID, base uint64) ([]byte, error) {
	key := memCacheKey{stopID: mod.StopID, memoryID: mod.MemoryID, base: base}
	if v, ok := cm.cache.Get(key); ok {
		return v.([]byte), nil
	}
	chunk := make([]byte, memCacheChunkSize)
	if _, err := cm.p.ReadMemory(chunk, base); err != nil {
		return nil, err
	}
	cm.cache.Add(key, chunk)
	return chunk, nil
}

// Purge drops every cached chunk.
func (cm *CachedMemory) Purge() {
	cm.cache.Purge()
}
