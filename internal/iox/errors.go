// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package iox re-exports the shared iox sentinel errors and adds the
// domain-specific failure kinds the memory subsystem needs.
package iox

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock is returned by non-blocking operations that would otherwise
// have to wait. It is the same sentinel code.hybscloud.com/iox uses so that
// callers composing shmcore.BoundedPool with the memory package can compare
// against a single error value.
var ErrWouldBlock = iox.ErrWouldBlock

var (
	// ErrPoolFull is returned when a pool has no free slots and heap
	// fallback is disabled.
	ErrPoolFull = errors.New("shmcore/memory: pool has no free slots")
	// ErrTooLarge is returned when a requested allocation exceeds the
	// pool's maximum block size and heap fallback is disabled.
	ErrTooLarge = errors.New("shmcore/memory: requested size exceeds pool block size")
	// ErrBackendFailure wraps an underlying OS failure (mmap, shm_open,
	// memfd_create, ...) attaching or creating a segment.
	ErrBackendFailure = errors.New("shmcore/memory: shared memory backend failure")
	// ErrQueueFull is returned by Queue.Push when the queue cannot accept
	// more data without exceeding its configured maximum length.
	ErrQueueFull = errors.New("shmcore/memory: queue is full")
	// ErrProtocolViolation is returned when an export/import peer sends an
	// id, offset, or size that is inconsistent with the segment it names.
	ErrProtocolViolation = errors.New("shmcore/memory: protocol violation")
	// ErrSegmentLimit is returned when an Import has reached its maximum
	// number of concurrently attached segments.
	ErrSegmentLimit = errors.New("shmcore/memory: too many attached segments")
	// ErrBlockLimit is returned when an Import has reached its maximum
	// number of live imported blocks.
	ErrBlockLimit = errors.New("shmcore/memory: too many imported blocks")
	// ErrClosed is returned by operations on a Pool, Import, or Export
	// that has already been closed.
	ErrClosed = errors.New("shmcore/memory: already closed")
	// ErrNotFound is returned when a lookup by id does not match any
	// live entry.
	ErrNotFound = errors.New("shmcore/memory: id not found")
)
