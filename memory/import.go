// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"sync"

	"code.hybscloud.com/shmcore/internal/ilog"
	"code.hybscloud.com/shmcore/internal/iox"
)

// ImportSegmentsMax bounds how many distinct segments a single Import will
// keep attached at once.
const ImportSegmentsMax = 16

// ImportSlotsMax bounds how many distinct blocks a single Import will keep
// live at once.
const ImportSlotsMax = 160

// ImportReleaseFunc is invoked for a block an Import reconstructed, when
// that block's last local reference drops. Blocks retired earlier through
// ProcessRevoke or Close are not reported to it.
type ImportReleaseFunc func(imp *Import, id uint32, userdata any)

// importSegment is one attached shared segment an Import is reading
// blocks out of. Permanent (memfd-backed) segments are pinned for the
// Import's lifetime; POSIX-shared segments are attached lazily on first
// reference and detached once their last referencing block goes away.
type importSegment struct {
	*Segment
	owner      *Import
	blockCount int
	writable   bool
}

func (s *importSegment) isPermanent() bool {
	return s.Kind() == KindMemfdShared
}

// Import is a per-pool registry that reconstructs blocks published by a
// peer's Export, attaching the segments they reference on demand.
type Import struct {
	mu sync.Mutex

	pool      *Pool
	releaseCb ImportReleaseFunc
	userdata  any

	blocks   map[uint32]*Block
	segments map[uint32]*importSegment
}

// NewImport creates an Import bound to pool. cb is invoked once per block
// when its last local reference is dropped, unless the block was retired
// first by ProcessRevoke or Close.
func NewImport(pool *Pool, cb ImportReleaseFunc, userdata any) *Import {
	if cb == nil {
		panic("shmcore/memory: import requires a release callback")
	}
	imp := &Import{
		pool:      pool,
		releaseCb: cb,
		userdata:  userdata,
		blocks:    make(map[uint32]*Block),
		segments:  make(map[uint32]*importSegment),
	}
	pool.registerImport(imp)
	return imp
}

// segmentAttach attaches a new segment named shmID of the given kind. The
// caller must hold imp.mu. The caller retains ownership of fd.
func (imp *Import) segmentAttach(kind SegmentKind, shmID uint32, fd int, writable bool) (*importSegment, error) {
	if len(imp.segments) >= ImportSegmentsMax {
		return nil, iox.ErrSegmentLimit
	}

	seg, err := AttachSegment(imp.pool.name, kind, shmID, fd, writable)
	if err != nil {
		return nil, err
	}

	is := &importSegment{Segment: seg, owner: imp, writable: writable}
	imp.segments[shmID] = is
	return is, nil
}

// segmentDetach detaches and removes seg. The caller must not hold imp.mu;
// segmentDetach takes it itself to remove seg from the import.
func (imp *Import) segmentDetach(seg *importSegment) {
	imp.mu.Lock()
	delete(imp.segments, seg.ID())
	imp.mu.Unlock()
	seg.Detach()
}

// AttachMemfd registers a memfd-backed segment ahead of any block
// reference to it, and pins it for the Import's lifetime. Peers must
// register their memfd pools this way before referencing blocks within
// them, since memfd segments are never attached lazily (there is no name
// to attach by). The caller retains ownership of fd.
func (imp *Import) AttachMemfd(shmID uint32, fd int, writable bool) error {
	imp.mu.Lock()
	defer imp.mu.Unlock()

	seg, err := imp.segmentAttach(KindMemfdShared, shmID, fd, writable)
	if err != nil {
		return err
	}
	// n_blocks acts as a reference count; pin the segment's permanent
	// presence so it survives receiving silence/control chunks that
	// never actually reference a real block.
	seg.blockCount++
	return nil
}

// Get reconstructs (or returns a cached reference to) the block published
// under blockID in segment shmID. For KindPosixShared segments not already
// attached, Get attaches them lazily; KindMemfdShared segments must
// already have been registered via AttachMemfd.
func (imp *Import) Get(kind SegmentKind, blockID, shmID uint32, offset, size int, writable bool) (*Block, error) {
	imp.mu.Lock()
	if b, ok := imp.blocks[blockID]; ok {
		imp.mu.Unlock()
		return b.Ref(), nil
	}

	if len(imp.blocks) >= ImportSlotsMax {
		imp.mu.Unlock()
		return nil, iox.ErrBlockLimit
	}

	seg, ok := imp.segments[shmID]
	if !ok {
		if kind == KindMemfdShared {
			imp.mu.Unlock()
			ilog.Warn("import", "no cached segment for memfd id; peer forgot to register its pool", "shmID", shmID)
			return nil, iox.ErrProtocolViolation
		}
		var err error
		seg, err = imp.segmentAttach(kind, shmID, -1, writable)
		if err != nil {
			imp.mu.Unlock()
			return nil, err
		}
	}

	if writable && !seg.writable {
		imp.mu.Unlock()
		ilog.Warn("import", "cannot import cached segment writable; previously mapped read-only")
		return nil, iox.ErrProtocolViolation
	}

	if offset+size > seg.Size() {
		imp.mu.Unlock()
		return nil, iox.ErrProtocolViolation
	}

	b := newBlock(imp.pool, VariantImported, seg.Data()[offset:offset+size], size, !writable)
	b.imported = importRef{id: blockID, segment: seg}

	imp.blocks[blockID] = b
	seg.blockCount++
	imp.mu.Unlock()

	return b, nil
}

// ProcessRevoke forcibly retires the block registered under blockID,
// copying its data out of the vanishing segment so any reference a caller
// still holds keeps working. Returns ErrNotFound if no such block is live.
//
// A transport integrator calls this when a peer announces that a single
// block is gone, symmetric to AttachMemfd's role on the attach side.
func (imp *Import) ProcessRevoke(blockID uint32) error {
	imp.mu.Lock()
	b, ok := imp.blocks[blockID]
	imp.mu.Unlock()
	if !ok {
		return iox.ErrNotFound
	}
	b.replaceImport()
	return nil
}

// Close revokes this import's blocks from any export publishing them,
// retires every block this import holds (copying their data out of the
// about-to-vanish segments so existing references keep working), detaches
// every attached segment, and detaches from the owning pool.
func (imp *Import) Close() {
	imp.pool.revokeFromExports(imp)

	imp.mu.Lock()
	for len(imp.blocks) > 0 {
		var b *Block
		for _, v := range imp.blocks {
			b = v
			break
		}
		imp.mu.Unlock()
		b.replaceImport()
		imp.mu.Lock()
	}

	var permanent []*importSegment
	for _, seg := range imp.segments {
		permanent = append(permanent, seg)
	}
	imp.mu.Unlock()

	for _, seg := range permanent {
		if !seg.isPermanent() {
			ilog.Warn("import", "non-permanent segment still attached at close", "shmID", seg.ID())
		}
		imp.segmentDetach(seg)
	}

	imp.pool.unregisterImport(imp)
}
