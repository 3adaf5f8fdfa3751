// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/shmcore/memory"
)

func Test_Chunk_BytesAndFree(t *testing.T) {
	b := memory.NewFixedBlock(nil, []byte("hello world"), false)
	c := memory.NewChunk(b, 6, 5)
	assert.EqualValues(t, 2, b.RefCount())
	assert.Equal(t, "world", string(c.Bytes()))

	c.Free()
	assert.EqualValues(t, 1, b.RefCount())
	b.Deref()
}

func Test_Chunk_MakeWritableInPlaceWhenUnique(t *testing.T) {
	p := memory.FakePool()
	blk, err := p.NewBlock(64)
	require.NoError(t, err)

	c := memory.NewChunk(blk, 0, 64)
	blk.Deref() // c now owns the sole reference

	writable, err := c.MakeWritable(64)
	require.NoError(t, err)
	assert.Same(t, c.Block(), writable.Block())
	writable.Free()
}

func Test_Chunk_MakeWritableCopiesWhenShared(t *testing.T) {
	p := memory.FakePool()
	blk, err := p.NewBlock(64)
	require.NoError(t, err)
	copy(blk.Data(), []byte("shared-payload"))

	a := memory.NewChunk(blk, 0, 64)
	b := memory.NewChunk(blk, 0, 64)
	blk.Deref()

	writable, err := a.MakeWritable(64)
	require.NoError(t, err)
	assert.NotSame(t, a.Block(), writable.Block())
	assert.Equal(t, "shared-payload", string(writable.Bytes()[:14]))

	writable.Free()
	b.Free()
}

func Test_Chunk_CopyShrinksToAvailableSource(t *testing.T) {
	src := memory.NewFixedBlock(nil, []byte("0123456789"), false)
	dst := memory.NewFixedBlock(nil, make([]byte, 20), false)
	defer src.Deref()
	defer dst.Deref()

	s := memory.NewChunk(src, 5, 5)
	d := memory.NewChunk(dst, 0, 10)
	defer s.Free()
	defer d.Free()

	out := d.Copy(s, 2)
	assert.Equal(t, 3, out.Length())
	assert.Equal(t, "789", string(out.Bytes()))
}

func Test_Chunk_IoVec(t *testing.T) {
	b := memory.NewFixedBlock(nil, []byte("hello world"), false)
	defer b.Deref()

	c := memory.NewChunk(b, 6, 5)
	defer c.Free()

	vec := c.IoVec()
	assert.EqualValues(t, 5, vec.Len)
	require.NotNil(t, vec.Base)
	assert.Equal(t, "world", string(unsafe.Slice(vec.Base, vec.Len)))
}

func Test_Chunk_IoVec_Empty(t *testing.T) {
	var c memory.Chunk
	vec := c.IoVec()
	assert.EqualValues(t, 0, vec.Len)
	assert.Nil(t, vec.Base)
}

func Test_Chunk_IndexOf(t *testing.T) {
	b := memory.NewFixedBlock(nil, []byte("abc,def,ghi"), false)
	defer b.Deref()

	c := memory.NewChunk(b, 0, 11)
	defer c.Free()

	assert.Equal(t, 3, c.IndexOf(',', 0))
	assert.Equal(t, 3, c.IndexOf(',', 4))
	assert.Equal(t, -1, c.IndexOf('z', 0))
}
