// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"unsafe"

	"code.hybscloud.com/shmcore"
)

// Chunk is a reference-guarded view onto a byte range of a Block: an index
// into the block's data and a length, with the block's strong reference
// held for as long as the Chunk is alive.
type Chunk struct {
	block  *Block
	index  int
	length int
}

// NewChunk builds a Chunk referencing [index, index+length) of block,
// taking out a strong reference on block. Pass a nil block to build the
// zero Chunk.
func NewChunk(block *Block, index, length int) Chunk {
	var c Chunk
	if block != nil {
		c.block = block.Ref()
	}
	c.index = index
	c.length = length
	return c
}

// Block returns the chunk's backing block, or nil for the zero Chunk.
func (c Chunk) Block() *Block { return c.block }

// Index returns the chunk's offset into its block.
func (c Chunk) Index() int { return c.index }

// Length returns the chunk's length.
func (c Chunk) Length() int { return c.length }

// IsEmpty reports whether the chunk carries no block.
func (c Chunk) IsEmpty() bool { return c.block == nil }

// Bytes returns the chunk's view into its block's data. The caller must not
// retain the slice beyond the chunk's lifetime without acquiring the block.
func (c Chunk) Bytes() []byte {
	if c.block == nil {
		return nil
	}
	return c.block.Data()[c.index : c.index+c.length]
}

// Retain increments the chunk's block reference count and returns the
// chunk unchanged; used when copying a Chunk value that will outlive the
// original.
func (c Chunk) Retain() Chunk {
	if c.block != nil {
		c.block.Ref()
	}
	return c
}

// Free releases the chunk's reference on its block. Call exactly once per
// retained Chunk value.
func (c *Chunk) Free() {
	if c.block != nil {
		c.block.Deref()
	}
	c.block = nil
	c.index = 0
	c.length = 0
}

// MakeWritable ensures the chunk can be written to for at least min bytes
// starting at its index without affecting any other reference to the same
// block. If the block is uniquely referenced, writable, and long enough,
// the chunk is returned unchanged (in place). Otherwise a fresh block is
// allocated from the same pool, the chunk's bytes are copied into it, and
// the chunk is rewritten to reference the new block at index 0.
func (c Chunk) MakeWritable(min int) (Chunk, error) {
	b := c.block
	if b.RefCount() == 1 && !b.IsReadOnly() && b.Length() >= c.index+min {
		return c, nil
	}

	l := c.length
	if min > l {
		l = min
	}

	n, err := b.pool.NewBlock(l)
	if err != nil {
		return Chunk{}, err
	}
	copy(n.Data(), b.Data()[c.index:c.index+c.length])

	b.Deref()

	return Chunk{block: n, index: 0, length: c.length}, nil
}

// Copy copies up to c.Length() bytes from src starting at offset into c's
// backing storage, and returns c with its length shrunk to the number of
// bytes actually copied.
func (c Chunk) Copy(src Chunk, offset int) Chunk {
	length := c.length
	if rem := src.length - offset; rem < length {
		length = rem
	}
	copy(c.block.Data()[c.index:c.index+length], src.block.Data()[src.index+offset:src.index+offset+length])
	c.length = length
	return c
}

// IoVec returns a scatter/gather descriptor for the chunk's bytes, suitable
// for a vectored I/O syscall or an io_uring submission. The descriptor
// points directly into the block's storage; it is only valid while the
// chunk's reference on the block is held.
func (c Chunk) IoVec() shmcore.IoVec {
	if c.block == nil {
		return shmcore.IoVec{}
	}
	data := c.Bytes()
	return shmcore.IoVec{Base: (*byte)(unsafe.Pointer(unsafe.SliceData(data))), Len: uint64(len(data))}
}

// IndexOf returns the position of the first occurrence of byte ch at or
// after offset within the chunk, counted from offset (not from the start
// of the chunk), or -1 if not found.
func (c Chunk) IndexOf(ch byte, offset int) int {
	data := c.block.Data()[c.index+offset : c.index+c.length]
	for i, v := range data {
		if v == ch {
			return i
		}
	}
	return -1
}
