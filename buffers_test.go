// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcore_test

import (
	"testing"
	"unsafe"

	"code.hybscloud.com/shmcore"
)

func TestAlignedMem_PageAlignment(t *testing.T) {
	const size = 8192
	mem := shmcore.AlignedMem(size, shmcore.PageSize)

	if len(mem) != size {
		t.Errorf("AlignedMem length = %d, want %d", len(mem), size)
	}

	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	if ptr%shmcore.PageSize != 0 {
		t.Errorf("AlignedMem not page-aligned: address %#x %% %d = %d", ptr, shmcore.PageSize, ptr%shmcore.PageSize)
	}
}

func TestAlignedMem_SmallAllocation(t *testing.T) {
	const size = 64
	mem := shmcore.AlignedMem(size, shmcore.PageSize)

	if len(mem) != size {
		t.Errorf("AlignedMem length = %d, want %d", len(mem), size)
	}

	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	if ptr%shmcore.PageSize != 0 {
		t.Errorf("AlignedMem not page-aligned: address %#x %% %d = %d", ptr, shmcore.PageSize, ptr%shmcore.PageSize)
	}
}

func TestAlignedMemBlocks(t *testing.T) {
	const n = 4
	blocks := shmcore.AlignedMemBlocks(n, shmcore.PageSize)

	if len(blocks) != n {
		t.Errorf("AlignedMemBlocks returned %d blocks, want %d", len(blocks), n)
	}

	for i, block := range blocks {
		if uintptr(len(block)) != shmcore.PageSize {
			t.Errorf("block[%d] length = %d, want %d", i, len(block), shmcore.PageSize)
		}
		ptr := uintptr(unsafe.Pointer(unsafe.SliceData(block)))
		if ptr%shmcore.PageSize != 0 {
			t.Errorf("block[%d] not page-aligned: address %#x %% %d = %d", i, ptr, shmcore.PageSize, ptr%shmcore.PageSize)
		}
	}
}

func TestAlignedMemBlock(t *testing.T) {
	block := shmcore.AlignedMemBlock()

	if uintptr(len(block)) != shmcore.PageSize {
		t.Errorf("AlignedMemBlock length = %d, want %d", len(block), shmcore.PageSize)
	}

	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(block)))
	if ptr%shmcore.PageSize != 0 {
		t.Errorf("AlignedMemBlock not page-aligned: address %#x %% %d = %d", ptr, shmcore.PageSize, ptr%shmcore.PageSize)
	}
}

func TestCacheLineAlignedMem(t *testing.T) {
	const size = 256
	mem := shmcore.CacheLineAlignedMem(size)

	if len(mem) != size {
		t.Errorf("CacheLineAlignedMem length = %d, want %d", len(mem), size)
	}

	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	if ptr%uintptr(shmcore.CacheLineSize) != 0 {
		t.Errorf("CacheLineAlignedMem not cache-line-aligned: address %#x %% %d = %d",
			ptr, shmcore.CacheLineSize, ptr%uintptr(shmcore.CacheLineSize))
	}
}

func TestCacheLineAlignedMemBlocks(t *testing.T) {
	const n, blockSize = 4, 40
	blocks := shmcore.CacheLineAlignedMemBlocks(n, blockSize)

	if len(blocks) != n {
		t.Errorf("CacheLineAlignedMemBlocks returned %d blocks, want %d", len(blocks), n)
	}

	for i, block := range blocks {
		if len(block) != blockSize {
			t.Errorf("block[%d] length = %d, want %d", i, len(block), blockSize)
		}
		ptr := uintptr(unsafe.Pointer(unsafe.SliceData(block)))
		if ptr%uintptr(shmcore.CacheLineSize) != 0 {
			t.Errorf("block[%d] not cache-line-aligned: address %#x %% %d = %d",
				i, ptr, shmcore.CacheLineSize, ptr%uintptr(shmcore.CacheLineSize))
		}
	}
}

func TestCacheLineAlignedMemBlocks_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("CacheLineAlignedMemBlocks(0, 64) did not panic")
		}
	}()
	_ = shmcore.CacheLineAlignedMemBlocks(0, 64)
}

func TestNewBuffers(t *testing.T) {
	const n, size = 8, 256
	bufs := shmcore.NewBuffers(n, size)

	if len(bufs) != n {
		t.Errorf("NewBuffers returned %d buffers, want %d", len(bufs), n)
	}

	for i, buf := range bufs {
		if len(buf) != size {
			t.Errorf("buffer[%d] length = %d, want %d", i, len(buf), size)
		}
	}
}

func TestNewBuffers_ZeroSize(t *testing.T) {
	const n = 4
	bufs := shmcore.NewBuffers(n, 0)

	if len(bufs) != n {
		t.Errorf("NewBuffers returned %d buffers, want %d", len(bufs), n)
	}

	for i, buf := range bufs {
		if len(buf) != 0 {
			t.Errorf("buffer[%d] length = %d, want 0", i, len(buf))
		}
	}
}

func TestNewBuffers_InvalidN(t *testing.T) {
	bufs := shmcore.NewBuffers(0, 64)
	if len(bufs) != 0 {
		t.Errorf("NewBuffers(0, 64) returned %d buffers, want 0", len(bufs))
	}

	bufs = shmcore.NewBuffers(-1, 64)
	if len(bufs) != 0 {
		t.Errorf("NewBuffers(-1, 64) returned %d buffers, want 0", len(bufs))
	}
}

func TestAlignedMemBlocks_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("AlignedMemBlocks(0, PageSize) did not panic")
		}
	}()
	_ = shmcore.AlignedMemBlocks(0, shmcore.PageSize)
}

func TestAlignedMem_NonStandardPageSize(t *testing.T) {
	const customPageSize = 8192
	const size = 16384
	mem := shmcore.AlignedMem(size, customPageSize)

	if len(mem) != size {
		t.Errorf("AlignedMem length = %d, want %d", len(mem), size)
	}

	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	if ptr%customPageSize != 0 {
		t.Errorf("AlignedMem not aligned to %d: address %#x %% %d = %d",
			customPageSize, ptr, customPageSize, ptr%customPageSize)
	}
}

func TestSetPageSize(t *testing.T) {
	original := shmcore.PageSize
	defer shmcore.SetPageSize(int(original))

	shmcore.SetPageSize(8192)
	if shmcore.PageSize != 8192 {
		t.Errorf("SetPageSize(8192) resulted in PageSize = %d, want 8192", shmcore.PageSize)
	}
}
