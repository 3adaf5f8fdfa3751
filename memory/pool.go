// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/shmcore"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/shmcore/internal/ilog"
)

const (
	defaultSlotsMax = 1024
	defaultSlotSize = 64 * 1024
)

// Stats holds running, atomically-updated counters for a Pool's
// allocations, broken down by variant where useful.
type Stats struct {
	nAllocated         atomic.Int64
	nAccumulated       atomic.Int64
	nImported          atomic.Int64
	nExported          atomic.Int64
	allocatedSize      atomic.Int64
	accumulatedSize    atomic.Int64
	importedSize       atomic.Int64
	exportedSize       atomic.Int64
	nTooLargeForPool   atomic.Int64
	nPoolFull          atomic.Int64
	nAllocatedByType   [numVariants]atomic.Int64
	nAccumulatedByType [numVariants]atomic.Int64
}

// StatsSnapshot is a point-in-time copy of a Pool's Stats, safe to read
// without further synchronization.
type StatsSnapshot struct {
	Allocated        int64
	Accumulated      int64
	Imported         int64
	Exported         int64
	AllocatedSize    int64
	AccumulatedSize  int64
	ImportedSize     int64
	ExportedSize     int64
	TooLargeForPool  int64
	PoolFull         int64
	AllocatedByType  [numVariants]int64
	AccumulatedByType [numVariants]int64
}

// PoolConfig configures a Pool at creation time. Name is required; a zero
// SizeHint selects the default of 1024 slots of 64 KiB each.
type PoolConfig struct {
	Name              string      `yaml:"name"`
	Kind              SegmentKind `yaml:"kind"`
	SizeHint          int         `yaml:"size_hint"`
	PerClient         bool        `yaml:"per_client"`
	AllowHeapFallback bool        `yaml:"allow_heap_fallback"`
}

// Pool partitions a Segment into fixed-size slots and is the allocation
// authority for Blocks. A Pool with zero slots and AllowHeapFallback set is
// the sentinel "fake" pool returned by FakePool.
type Pool struct {
	mu sync.Mutex

	name              string
	segment           *Segment
	blockSize         int
	nBlocks           uint32
	global            bool
	isRemoteWritable  bool
	allowHeapFallback bool

	freeSlots *shmcore.BoundedPool[uint32]

	sem chan struct{}

	stat Stats

	imports []*Import
	exports []*Export
}

// NewPool creates a pool named name, backed by a segment of the given kind
// holding sizeHint / slot size slots, rounded down, with a minimum of 2
// (or the default slot count if sizeHint is 0). perClient selects whether the pool's
// segment is meant to be shared with exactly one peer (true) or is a
// global pool shared with every client (false); see SPEC_FULL.md's
// AllowHeapFallback note on why that distinction no longer implicitly
// governs heap fallback.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("shmcore/memory: pool name required")
	}

	blockSize := pageAlign(defaultSlotSize)
	if blockSize < PageSize {
		blockSize = PageSize
	}

	var nBlocks uint32
	if cfg.SizeHint <= 0 {
		nBlocks = defaultSlotsMax
	} else {
		nBlocks = uint32(cfg.SizeHint / blockSize)
		if nBlocks < 2 {
			nBlocks = 2
		}
	}

	seg, err := NewSegment(cfg.Name, cfg.Kind, int(nBlocks)*blockSize, os.FileMode(0700))
	if err != nil {
		return nil, err
	}

	p := newPoolForSegment(cfg.Name, seg, blockSize, nBlocks, !cfg.PerClient)
	p.allowHeapFallback = cfg.AllowHeapFallback

	ilog.Debug("pool", "created", "name", cfg.Name, "kind", cfg.Kind, "slots", nBlocks, "blockSize", blockSize)
	return p, nil
}

func newPoolForSegment(name string, seg *Segment, blockSize int, nBlocks uint32, global bool) *Pool {
	p := &Pool{
		name:      name,
		segment:   seg,
		blockSize: blockSize,
		nBlocks:   nBlocks,
		global:    global,
		sem:       make(chan struct{}, 1),
	}
	if nBlocks > 0 {
		p.freeSlots = shmcore.NewBoundedPool[uint32](int(nBlocks))
		p.freeSlots.Fill(func() uint32 { return 0 })
		p.freeSlots.SetNonblock(true)
		// NewBoundedPool rounds its capacity up to a power of two; take the
		// indices past nBlocks back out so only real slots are handed out.
		if p.freeSlots.Cap() > int(nBlocks) {
			var keep []int
			for range p.freeSlots.Cap() {
				if idx, err := p.freeSlots.Get(); err == nil && idx < int(nBlocks) {
					keep = append(keep, idx)
				}
			}
			for _, idx := range keep {
				_ = p.freeSlots.Put(idx)
			}
		}
	}
	return p
}

var fakePool = sync.OnceValue(func() *Pool {
	p := newPoolForSegment("FakePool", nil, 1024, 0, false)
	p.allowHeapFallback = true
	return p
})

// FakePool returns the process-wide sentinel pool used when a Block is
// allocated without an explicit pool. It has no slots of its own and
// always falls back to heap allocation.
func FakePool() *Pool { return fakePool() }

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// BlockSizeMax returns the largest payload length that fits in a single
// slot: the full slot size, since Block headers are not stored in slots.
func (p *Pool) BlockSizeMax() int { return p.blockSize }

// IsShared reports whether the pool's segment is backed by shared (as
// opposed to private, process-local) memory.
func (p *Pool) IsShared() bool {
	return p.segment != nil && (p.segment.Kind() == KindPosixShared || p.segment.Kind() == KindMemfdShared)
}

// IsMemfdBacked reports whether the pool's segment is a memfd-shared
// segment.
func (p *Pool) IsMemfdBacked() bool {
	return p.segment != nil && p.segment.Kind() == KindMemfdShared
}

// SetRemoteWritable marks whether blocks from this pool may be mapped
// writable by a remote import. Only valid for shared pools.
func (p *Pool) SetRemoteWritable(writable bool) {
	if writable && !p.IsShared() {
		panic("shmcore/memory: remote-writable requires a shared pool")
	}
	p.isRemoteWritable = writable
}

// IsRemoteWritable reports the flag set by SetRemoteWritable.
func (p *Pool) IsRemoteWritable() bool { return p.isRemoteWritable }

// Segment returns the pool's backing segment, or nil for the fake pool.
func (p *Pool) Segment() *Segment { return p.segment }

// Stats returns a point-in-time snapshot of the pool's allocation counters.
func (p *Pool) Stats() StatsSnapshot {
	var s StatsSnapshot
	s.Allocated = p.stat.nAllocated.Load()
	s.Accumulated = p.stat.nAccumulated.Load()
	s.Imported = p.stat.nImported.Load()
	s.Exported = p.stat.nExported.Load()
	s.AllocatedSize = p.stat.allocatedSize.Load()
	s.AccumulatedSize = p.stat.accumulatedSize.Load()
	s.ImportedSize = p.stat.importedSize.Load()
	s.ExportedSize = p.stat.exportedSize.Load()
	s.TooLargeForPool = p.stat.nTooLargeForPool.Load()
	s.PoolFull = p.stat.nPoolFull.Load()
	for i := range s.AllocatedByType {
		s.AllocatedByType[i] = p.stat.nAllocatedByType[i].Load()
		s.AccumulatedByType[i] = p.stat.nAccumulatedByType[i].Load()
	}
	return s
}

func (p *Pool) statAdd(b *Block) {
	p.stat.nAllocated.Add(1)
	p.stat.allocatedSize.Add(int64(len(b.data)))
	p.stat.nAccumulated.Add(1)
	p.stat.accumulatedSize.Add(int64(len(b.data)))
	if b.variant == VariantImported {
		p.stat.nImported.Add(1)
		p.stat.importedSize.Add(int64(len(b.data)))
	}
	p.stat.nAllocatedByType[b.variant].Add(1)
	p.stat.nAccumulatedByType[b.variant].Add(1)
}

func (p *Pool) statRemove(b *Block) {
	p.stat.nAllocated.Add(-1)
	p.stat.allocatedSize.Add(-int64(len(b.data)))
	if b.variant == VariantImported {
		p.stat.nImported.Add(-1)
		p.stat.importedSize.Add(-int64(len(b.data)))
	}
	p.stat.nAllocatedByType[b.variant].Add(-1)
}

// allocateSlot pops a free slot off the pool's lock-free free list and
// returns its backing byte range. ok is false if the pool has no slots
// (the fake pool) or is momentarily exhausted.
func (p *Pool) allocateSlot() (data []byte, ok bool) {
	if p.freeSlots == nil {
		return nil, false
	}
	idx, err := p.freeSlots.Get()
	if err != nil {
		return nil, false
	}
	return p.slotData(idx), true
}

func (p *Pool) slotData(idx int) []byte {
	off := idx * p.blockSize
	return p.segment.Data()[off : off+p.blockSize]
}

func (p *Pool) slotIdx(data []byte) int {
	base := uintptr(unsafe.Pointer(&p.segment.Data()[0]))
	ptr := uintptr(unsafe.Pointer(&data[0]))
	return int((ptr - base) / uintptr(p.blockSize))
}

// freeSlot returns a slot to the pool's free list. The free-list dimensions
// guarantee every live slot fits, so a failed Put is transient lock
// contention; retry with a spin-backed wait until it succeeds.
func (p *Pool) freeSlot(data []byte) {
	idx := p.slotIdx(data)
	var sw spin.Wait
	for p.freeSlots.Put(idx) != nil {
		sw.Once()
	}
}

// Vacuum walks every currently-free slot and punches its backing pages,
// releasing their physical memory back to the OS. Slots in use are left
// untouched.
func (p *Pool) Vacuum() {
	if p.freeSlots == nil || p.segment == nil {
		return
	}
	var drained []int
	for {
		idx, err := p.freeSlots.Get()
		if err != nil {
			break
		}
		drained = append(drained, idx)
	}
	for _, idx := range drained {
		p.segment.Punch(idx*p.blockSize, p.blockSize)
		var sw spin.Wait
		for p.freeSlots.Put(idx) != nil {
			sw.Once()
		}
	}
}

func (p *Pool) wakeWaiters() {
	select {
	case p.sem <- struct{}{}:
	default:
	}
}

func (p *Pool) waitForRelease() {
	<-p.sem
}

func (p *Pool) registerImport(i *Import) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imports = append(p.imports, i)
}

func (p *Pool) unregisterImport(i *Import) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, v := range p.imports {
		if v == i {
			p.imports = append(p.imports[:idx], p.imports[idx+1:]...)
			break
		}
	}
}

func (p *Pool) registerExport(e *Export) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exports = append(p.exports, e)
}

func (p *Pool) unregisterExport(e *Export) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, v := range p.exports {
		if v == e {
			p.exports = append(p.exports[:idx], p.exports[idx+1:]...)
			break
		}
	}
}

// revokeFromExports notifies every export attached to this pool that the
// given import is going away, so they can release any slot sourced from
// one of its blocks before the import finishes tearing down.
func (p *Pool) revokeFromExports(imp *Import) {
	p.mu.Lock()
	exports := append([]*Export(nil), p.exports...)
	p.mu.Unlock()
	for _, e := range exports {
		e.revokeBlocks(imp)
	}
}

// Close tears down every import and export still attached to the pool and
// releases its segment. Blocks allocated from the pool that are still
// referenced elsewhere keep the pool's memory mapped via their own
// reference on the Pool value; Close only releases the pool's own
// ownership of its segment once nothing else needs it.
func (p *Pool) Close() error {
	p.mu.Lock()
	imports := append([]*Import(nil), p.imports...)
	exports := append([]*Export(nil), p.exports...)
	p.mu.Unlock()

	for _, i := range imports {
		i.Close()
	}
	for _, e := range exports {
		e.Close()
	}

	if leaked := p.stat.nAllocated.Load(); leaked > 0 {
		ilog.Warn("pool", "destroyed with live blocks", "pool", p.name, "count", leaked)
	}

	if p.segment == nil {
		return nil
	}
	return p.segment.Detach()
}
