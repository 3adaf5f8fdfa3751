// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"fmt"
	"sync/atomic"

	"code.hybscloud.com/shmcore/internal/ilog"
	"code.hybscloud.com/shmcore/internal/iox"
)

// Variant identifies where a Block's storage came from and therefore how
// it must be freed when its last reference drops.
type Variant int

const (
	// VariantAppended is a heap-allocated payload owned outright by the
	// block.
	VariantAppended Variant = iota
	// VariantFixed wraps caller-owned memory the block never frees.
	VariantFixed
	// VariantUser wraps caller-owned memory freed via a callback when the
	// block's last reference drops.
	VariantUser
	// VariantPool is a slot carved out of a Pool by Pool.NewBlock. The
	// Block struct itself is a separate Go allocation; slots hold payload
	// only.
	VariantPool
	// VariantPoolExternal is a Pool slot holding data copied out of an
	// import segment; makeLocal produces it when an imported block is
	// retired.
	VariantPoolExternal
	// VariantImported references memory inside an attached import
	// segment, owned by a peer process.
	VariantImported
	numVariants
)

func (v Variant) String() string {
	switch v {
	case VariantAppended:
		return "appended"
	case VariantFixed:
		return "fixed"
	case VariantUser:
		return "user"
	case VariantPool:
		return "pool"
	case VariantPoolExternal:
		return "pool-external"
	case VariantImported:
		return "imported"
	default:
		return "unknown"
	}
}

type importRef struct {
	id      uint32
	segment *importSegment
}

// Block is a reference-counted carrier of a byte range. All variants share
// the same acquire/release/wait contract and reference-counting API; they
// differ only in how doFree reclaims their storage.
type Block struct {
	variant  Variant
	data     []byte
	capacity int
	readOnly bool
	isSilence bool

	refs     atomic.Int32
	acquired atomic.Int32
	pleaseSignal atomic.Bool

	pool *Pool

	freeCb func([]byte)

	imported importRef
}

func newBlock(pool *Pool, variant Variant, data []byte, capacity int, readOnly bool) *Block {
	b := &Block{
		variant:  variant,
		data:     data,
		capacity: capacity,
		readOnly: readOnly,
		pool:     pool,
	}
	b.refs.Store(1)
	pool.statAdd(b)
	return b
}

// Ref increments the block's strong reference count and returns the block,
// so that Ref can be chained: `stored := block.Ref()`.
func (b *Block) Ref() *Block {
	b.refs.Add(1)
	return b
}

// Deref decrements the block's strong reference count, reclaiming its
// storage once the count reaches zero.
func (b *Block) Deref() {
	if b.refs.Add(-1) == 0 {
		b.doFree()
	}
}

// RefCount returns the block's current strong reference count.
func (b *Block) RefCount() int32 { return b.refs.Load() }

// Data returns the block's full payload, [0, Length()).
func (b *Block) Data() []byte { return b.data }

// Length returns the length of the block's payload.
func (b *Block) Length() int { return len(b.data) }

// Capacity returns the block's usable capacity. Every constructor and
// Reallocate set it equal to Length.
func (b *Block) Capacity() int { return b.capacity }

// IsReadOnly reports whether the block's storage must not be written to.
func (b *Block) IsReadOnly() bool { return b.readOnly }

// IsSilence reports whether the block represents a run of silence (used by
// Queue to fill holes without allocating real storage).
func (b *Block) IsSilence() bool { return b.isSilence }

// SetSilence marks or unmarks the block as a silence placeholder.
func (b *Block) SetSilence(v bool) { b.isSilence = v }

// Pool returns the pool the block was allocated from (the fake pool for
// blocks created without an explicit pool).
func (b *Block) Pool() *Pool { return b.pool }

// Variant returns the block's storage variant.
func (b *Block) Variant() Variant { return b.variant }

// Acquire pins the block against concurrent reclamation and returns a view
// of its payload starting at offset. Every Acquire must be matched with a
// Release.
func (b *Block) Acquire(offset int) []byte {
	if offset < 0 || offset > len(b.data) {
		panic("shmcore/memory: acquire offset out of range")
	}
	b.acquired.Add(1)
	return b.data[offset:]
}

// Release unpins the block, waking up a pending Wait if this was the last
// outstanding acquisition.
func (b *Block) Release() {
	r := b.acquired.Add(-1)
	if r < 0 {
		panic("shmcore/memory: release without matching acquire")
	}
	if r == 0 && b.pleaseSignal.Load() {
		b.pool.wakeWaiters()
	}
}

// Wait blocks until every outstanding Acquire on this block has been
// released. Used before retiring a block's storage (MakeLocal, import
// retirement) so no reader observes memory out from under it.
func (b *Block) Wait() {
	if b.acquired.Load() <= 0 {
		return
	}
	b.pleaseSignal.Store(true)
	for b.acquired.Load() > 0 {
		b.pool.waitForRelease()
	}
	b.pleaseSignal.Store(false)
}

func (b *Block) doFree() {
	if b.acquired.Load() != 0 {
		panic("shmcore/memory: freeing a block with outstanding acquisitions")
	}

	switch b.variant {
	case VariantUser:
		if b.freeCb != nil {
			b.freeCb(b.data)
		}
		b.pool.statRemove(b)

	case VariantFixed, VariantAppended:
		b.pool.statRemove(b)

	case VariantImported:
		seg := b.imported.segment
		imp := seg.owner
		imp.mu.Lock()
		delete(imp.blocks, b.imported.id)
		seg.blockCount--
		detach := seg.blockCount <= 0
		imp.mu.Unlock()
		if detach {
			imp.segmentDetach(seg)
		}
		imp.releaseCb(imp, b.imported.id, imp.userdata)
		b.pool.statRemove(b)

	case VariantPool, VariantPoolExternal:
		b.pool.freeSlot(b.data)
		b.pool.statRemove(b)
	}
}

// NewBlock allocates a block of the given length from the pool. When the
// requested size exceeds the pool's slot capacity (or the pool has no
// slots left), behavior is governed by the pool's AllowHeapFallback flag:
// if set, a heap-backed Appended block is returned instead of an error.
func (p *Pool) NewBlock(length int) (*Block, error) {
	if length <= 0 {
		return nil, fmt.Errorf("shmcore/memory: block length must be positive")
	}

	if p.nBlocks > 0 && length <= p.BlockSizeMax() {
		if data, ok := p.allocateSlot(); ok {
			return newBlock(p, VariantPool, data[:length], length, false), nil
		}
		ilog.Debug("pool", "slot exhausted", "pool", p.name, "length", length)
		p.stat.nPoolFull.Add(1)
		if !p.allowHeapFallback {
			return nil, iox.ErrPoolFull
		}
	} else if p.nBlocks > 0 {
		ilog.Debug("pool", "block too large for pool", "pool", p.name, "length", length, "max", p.BlockSizeMax())
		p.stat.nTooLargeForPool.Add(1)
		if !p.allowHeapFallback {
			return nil, iox.ErrTooLarge
		}
	} else if !p.allowHeapFallback {
		return nil, iox.ErrPoolFull
	}

	buf := make([]byte, length)
	return newBlock(p, VariantAppended, buf, length, false), nil
}

// NewFixedBlock wraps caller-owned memory in a Block that never frees it.
// The caller must keep data alive for as long as the block (and any chunk
// referencing it) is alive.
func NewFixedBlock(pool *Pool, data []byte, readOnly bool) *Block {
	if pool == nil {
		pool = FakePool()
	}
	return newBlock(pool, VariantFixed, data, len(data), readOnly)
}

// NewUserBlock wraps caller-owned memory in a Block that invokes freeCb
// exactly once, when the block's last reference drops.
func NewUserBlock(pool *Pool, data []byte, freeCb func([]byte), readOnly bool) *Block {
	if pool == nil {
		pool = FakePool()
	}
	b := newBlock(pool, VariantUser, data, len(data), readOnly)
	b.freeCb = freeCb
	return b
}

// Reallocate grows or shrinks an Appended block in place, returning the
// (possibly relocated) block. Only valid for blocks with no outstanding
// references beyond the caller's own and variant VariantAppended.
func (b *Block) Reallocate(length int) (*Block, error) {
	if b.variant != VariantAppended {
		return nil, fmt.Errorf("shmcore/memory: reallocate only supported for appended blocks")
	}
	if length <= 0 {
		return nil, fmt.Errorf("shmcore/memory: reallocate length must be positive")
	}

	b.pool.statRemove(b)
	buf := make([]byte, length)
	copy(buf, b.data)
	b.data = buf
	b.capacity = length
	b.pool.statAdd(b)
	return b, nil
}

// makeLocal retires an Imported block's storage into the owning pool: a
// pool slot if the data fits, a heap copy otherwise. Used when an Import
// is destroyed or a specific block is revoked while readers may still hold
// it, so the block stays valid as VariantPoolExternal/VariantUser after
// its backing import segment goes away.
func (b *Block) makeLocal() {
	b.pool.stat.nAllocatedByType[b.variant].Add(-1)

	if len(b.data) <= b.pool.blockSize {
		if slot, ok := b.pool.allocateSlot(); ok {
			copy(slot, b.data)
			b.data = slot[:len(b.data)]
			b.variant = VariantPoolExternal
			b.readOnly = false
			b.pool.stat.nAllocatedByType[b.variant].Add(1)
			b.pool.stat.nAccumulatedByType[b.variant].Add(1)
			b.Wait()
			return
		}
	}

	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	b.data = cp
	b.variant = VariantUser
	b.readOnly = false
	b.freeCb = nil
	b.pool.stat.nAllocatedByType[b.variant].Add(1)
	b.pool.stat.nAccumulatedByType[b.variant].Add(1)
	b.Wait()
}

// replaceImport retires an imported block in place: its storage is copied
// out of the vanishing segment (see makeLocal) so that any reader holding
// a reference keeps working, and the block is removed from its import's
// bookkeeping and the segment's live-block count is dropped.
func (b *Block) replaceImport() {
	if b.variant != VariantImported {
		panic("shmcore/memory: replaceImport on a non-imported block")
	}

	b.pool.stat.nImported.Add(-1)
	b.pool.stat.importedSize.Add(-int64(len(b.data)))

	seg := b.imported.segment
	imp := seg.owner

	imp.mu.Lock()
	delete(imp.blocks, b.imported.id)
	b.makeLocal()
	seg.blockCount--
	detach := seg.blockCount <= 0
	imp.mu.Unlock()

	if detach {
		imp.segmentDetach(seg)
	}
}
