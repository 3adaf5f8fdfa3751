// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/shmcore/internal/ilog"
	"code.hybscloud.com/shmcore/internal/iox"
)

// ExportSlotsMax bounds how many blocks a single Export can publish
// concurrently.
const ExportSlotsMax = 128

// ExportRevokeFunc is called when a previously published block must be
// withdrawn because the import it originated from is going away.
type ExportRevokeFunc func(e *Export, id uint32, userdata any)

// exportBaseCounter hands out a disjoint id range to every Export created
// in the process, so that ids remain unique across all exports of a pool.
var exportBaseCounter atomic.Uint32

type exportSlot struct {
	block *Block
	used  bool
}

// Export is a per-pool registry that publishes blocks to a peer process by
// small integer id: the other end of Import.
type Export struct {
	mu sync.Mutex

	pool     *Pool
	revoke   ExportRevokeFunc
	userdata any

	baseIdx uint32
	nInit   uint32
	slots   [ExportSlotsMax]exportSlot
	free    []uint32 // indices into slots, free for reuse
}

// NewExport creates an Export publishing blocks from pool. pool must be a
// shared pool. revoke is invoked for each block that must be withdrawn
// when an import it came from is torn down.
func NewExport(pool *Pool, revoke ExportRevokeFunc, userdata any) *Export {
	if !pool.IsShared() {
		panic("shmcore/memory: export requires a shared pool")
	}
	e := &Export{
		pool:     pool,
		revoke:   revoke,
		userdata: userdata,
		baseIdx:  exportBaseCounter.Add(ExportSlotsMax) - ExportSlotsMax,
	}
	pool.registerExport(e)
	return e
}

// Close withdraws every block this export has published and detaches the
// export from its pool.
func (e *Export) Close() {
	e.mu.Lock()
	used := make([]uint32, 0, ExportSlotsMax)
	for i := uint32(0); i < e.nInit; i++ {
		if e.slots[i].used {
			used = append(used, i+e.baseIdx)
		}
	}
	e.mu.Unlock()

	for _, id := range used {
		e.processRelease(id)
	}
	e.pool.unregisterExport(e)
}

func (e *Export) processRelease(id uint32) error {
	e.mu.Lock()
	if id < e.baseIdx {
		e.mu.Unlock()
		return iox.ErrNotFound
	}
	idx := id - e.baseIdx
	if idx >= e.nInit || !e.slots[idx].used {
		e.mu.Unlock()
		return iox.ErrNotFound
	}

	b := e.slots[idx].block
	e.slots[idx].block = nil
	e.slots[idx].used = false
	e.free = append(e.free, idx)
	e.mu.Unlock()

	e.pool.stat.nExported.Add(-1)
	e.pool.stat.exportedSize.Add(-int64(b.Length()))
	b.Deref()
	return nil
}

// revokeBlocks withdraws every block this export published that originated
// from imp, invoking the revoke callback for each before releasing it.
func (e *Export) revokeBlocks(imp *Import) {
	e.mu.Lock()
	var ids []uint32
	for i := uint32(0); i < e.nInit; i++ {
		s := &e.slots[i]
		if !s.used || s.block.variant != VariantImported || s.block.imported.segment.owner != imp {
			continue
		}
		ids = append(ids, i+e.baseIdx)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if e.revoke != nil {
			e.revoke(e, id, e.userdata)
		}
		e.processRelease(id)
	}
}

// sharedCopy returns a block suitable for publishing from this export's
// pool: Pool, PoolExternal and Imported blocks are reused with an added
// reference, and sharedCopy panics if such a block belongs to a different
// pool; blocks of any other variant have their payload copied into a
// freshly allocated pool block, truncated to the pool's BlockSizeMax.
func sharedCopy(pool *Pool, block *Block) (*Block, error) {
	switch block.variant {
	case VariantImported, VariantPool, VariantPoolExternal:
		if block.pool != pool {
			panic("shmcore/memory: sharedCopy block belongs to a different pool")
		}
		return block.Ref(), nil
	}

	length := block.Length()
	if max := pool.BlockSizeMax(); length > max {
		length = max
	}
	next, err := pool.NewBlock(length)
	if err != nil {
		return nil, err
	}
	copy(next.Data(), block.Data()[:length])
	return next, nil
}

// Published describes the wire-level location of a block put onto an
// Export: the tuple a peer's Import.Get needs to reconstruct it.
type Published struct {
	Kind     SegmentKind
	BlockID  uint32
	SegmentID uint32
	Offset   int
	Size     int
}

// Put publishes block through this export, returning the wire-level
// descriptor a peer should pass to Import.Get. The export takes out its own
// reference on (a possibly copied) version of block; the caller's own
// reference is unaffected.
func (e *Export) Put(block *Block) (Published, error) {
	shared, err := sharedCopy(e.pool, block)
	if err != nil {
		return Published{}, err
	}

	e.mu.Lock()
	var idx uint32
	if n := len(e.free); n > 0 {
		idx = e.free[n-1]
		e.free = e.free[:n-1]
	} else if e.nInit < ExportSlotsMax {
		idx = e.nInit
		e.nInit++
	} else {
		e.mu.Unlock()
		shared.Deref()
		return Published{}, iox.ErrSegmentLimit
	}
	e.slots[idx] = exportSlot{block: shared, used: true}
	blockID := idx + e.baseIdx
	e.mu.Unlock()

	ilog.Debug("export", "published block", "id", blockID)

	var seg *Segment
	var kind SegmentKind
	var shmID uint32
	if shared.variant == VariantImported {
		seg = shared.imported.segment.Segment
		kind = seg.Kind()
		shmID = seg.ID()
	} else {
		seg = e.pool.segment
		kind = seg.Kind()
		shmID = seg.ID()
	}

	offset := int(uintptrDiff(shared.data, seg.Data()))

	e.pool.stat.nExported.Add(1)
	e.pool.stat.exportedSize.Add(int64(shared.Length()))

	return Published{
		Kind:      kind,
		BlockID:   blockID,
		SegmentID: shmID,
		Offset:    offset,
		Size:      shared.Length(),
	}, nil
}
