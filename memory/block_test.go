// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/shmcore/memory"
)

func Test_Block_RefCounting(t *testing.T) {
	data := make([]byte, 16)
	b := memory.NewFixedBlock(nil, data, false)
	assert.EqualValues(t, 1, b.RefCount())

	b.Ref()
	assert.EqualValues(t, 2, b.RefCount())

	b.Deref()
	assert.EqualValues(t, 1, b.RefCount())

	b.Deref()
}

func Test_Block_UserFreeCallbackRunsOnce(t *testing.T) {
	data := make([]byte, 8)
	var freed int
	b := memory.NewUserBlock(nil, data, func([]byte) { freed++ }, false)

	b.Ref()
	b.Deref()
	assert.Equal(t, 0, freed)

	b.Deref()
	assert.Equal(t, 1, freed)
}

func Test_Block_AcquireReleaseWait(t *testing.T) {
	b := memory.NewFixedBlock(nil, make([]byte, 32), false)
	defer b.Deref()

	view := b.Acquire(4)
	assert.Len(t, view, 28)

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()

	b.Release()
	<-done
}

func Test_Pool_NewBlockRejectsNonPositiveLength(t *testing.T) {
	p := memory.FakePool()
	_, err := p.NewBlock(0)
	require.Error(t, err)
}

func Test_Block_ReallocateGrowsAppendedBlock(t *testing.T) {
	p := memory.FakePool()
	b, err := p.NewBlock(8)
	require.NoError(t, err)

	copy(b.Data(), []byte("abcdefgh"))
	b2, err := b.Reallocate(16)
	require.NoError(t, err)
	defer b2.Deref()

	assert.Equal(t, 16, b2.Length())
	assert.Equal(t, "abcdefgh", string(b2.Data()[:8]))
}
