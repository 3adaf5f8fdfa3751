// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcore_test

import (
	"testing"

	"code.hybscloud.com/shmcore"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// Bounded pool benchmarks

func BenchmarkBoundedPool_GetPut(b *testing.B) {
	pool := shmcore.NewBoundedPool[uint32](1024)
	pool.Fill(func() uint32 { return 0 })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx, err := pool.Get()
			if err != nil {
				b.Fatal(err)
			}
			// Simulate I/O latency
			spin.Yield()
			_ = pool.Put(idx)
		}
	})
}

func BenchmarkBoundedPool_HighContention(b *testing.B) {
	// Small pool with high parallelism creates contention, exercising
	// the Backoff path when the pool is temporarily exhausted.
	pool := shmcore.NewBoundedPool[uint32](16)
	pool.Fill(func() uint32 { return 0 })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var ba iox.Backoff
		for pb.Next() {
			idx, err := pool.Get()
			if err != nil {
				b.Fatal(err)
			}
			ba.Wait()
			_ = pool.Put(idx)
		}
	})
}

func BenchmarkBoundedPool_Value(b *testing.B) {
	pool := shmcore.NewBoundedPool[uint32](1024)
	pool.Fill(func() uint32 { return 0 })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Value(i % 1024)
	}
}

func BenchmarkBoundedPool_SetValue(b *testing.B) {
	pool := shmcore.NewBoundedPool[uint32](1024)
	pool.Fill(func() uint32 { return 0 })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.SetValue(i%1024, uint32(i))
	}
}

// Memory allocation benchmarks

func BenchmarkAlignedMemBlock(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = shmcore.AlignedMemBlock()
	}
}

func BenchmarkAlignedMem_4K(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = shmcore.AlignedMem(4096, shmcore.PageSize)
	}
}

func BenchmarkAlignedMem_64K(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = shmcore.AlignedMem(65536, shmcore.PageSize)
	}
}

func BenchmarkAlignedMemBlocks_16(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = shmcore.AlignedMemBlocks(16, shmcore.PageSize)
	}
}

func BenchmarkCacheLineAlignedMemBlocks_16(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = shmcore.CacheLineAlignedMemBlocks(16, 64)
	}
}

// IoVec benchmarks

func BenchmarkIoVecFromBytesSlice_8(b *testing.B) {
	slices := make([][]byte, 8)
	for i := range slices {
		slices[i] = make([]byte, 256)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = shmcore.IoVecFromBytesSlice(slices)
	}
}

func BenchmarkIoVecAddrLen(b *testing.B) {
	vec := make([]shmcore.IoVec, 8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = shmcore.IoVecAddrLen(vec)
	}
}
