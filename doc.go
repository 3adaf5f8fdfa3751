// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmcore provides the lock-free bounded pool, page/cache-line
// alignment helpers, and vectored I/O descriptors that back the
// shared-memory subsystem implemented in the memory subpackage.
//
// The memory subpackage embeds BoundedPool directly as the lock-free
// free-slot list behind its Pool type, and uses IoVec to hand chunk
// payloads to vectored I/O syscalls without an intermediate copy.
//
// # Bounded Pool
//
// BoundedPool is a lock-free multi-producer multi-consumer (MPMC) pool based on
// the algorithm from "A Scalable, Portable, and Memory-Efficient Lock-Free FIFO
// Queue" (Ruslan Nikolaev, 2019). Key characteristics:
//
//   - Lock-free: Uses atomic CAS operations, no mutexes
//   - Bounded: Fixed capacity rounded to power of two
//   - Memory-efficient: Single contiguous array, no per-element allocation
//   - Cache-optimized: Aligned to cache line boundaries to prevent false sharing
//
// Pools store indices (int) rather than item values directly. This enables
// zero-copy access via Value(indirect) and clear ownership semantics through
// index hand-off:
//
//	pool := NewBoundedPool[uint32](100) // Creates pool with ~128 capacity
//	pool.Fill(func() uint32 { return 0 })
//	idx, err := pool.Get()          // Acquire an item index
//	if err != nil {
//	    // Handle iox.ErrWouldBlock (pool empty)
//	}
//	val := pool.Value(idx)          // Access item by index
//	pool.Put(idx)                   // Return index to pool
//
// # Page-Aligned Memory
//
// For DMA and io_uring operations requiring page alignment:
//
//	mem := AlignedMem(4096, PageSize)        // Returns page-aligned []byte
//	block := AlignedMemBlock()               // Single page using default PageSize
//	blocks := AlignedMemBlocks(16, PageSize)  // Multiple aligned blocks
//
// CacheLineAlignedMem and CacheLineAlignedMemBlocks provide the same
// alignment guarantee at CacheLineSize granularity, for keeping adjacent
// buffers from sharing a cache line.
//
// # Vectored I/O
//
// IoVec provides scatter/gather I/O support for readv/writev syscalls:
//
//	bufs := make([][]byte, 8)
//	addr, n := IoVecFromBytesSlice(bufs)  // Get pointer for syscall
//
// # Architecture Requirements
//
// This package requires a 64-bit CPU architecture (amd64, arm64, riscv64, loong64,
// ppc64, ppc64le, s390x, mips64, mips64le). 32-bit architectures are not supported
// due to 64-bit atomic operations in BoundedPool.
//
// # Thread Safety
//
// All pool operations are safe for concurrent use. BoundedPool supports multiple
// concurrent producers and consumers without external synchronization.
//
// # Dependencies
//
// shmcore depends on:
//   - iox: Semantic error types (ErrWouldBlock, ErrMore)
//   - spin: Spinlock and spin-wait primitives for backpressure
package shmcore
