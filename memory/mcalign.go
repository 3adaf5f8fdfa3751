// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

// Aligner repackages a stream of arbitrary-length chunks into chunks whose
// length is always a multiple of base. It is the frame-size chunk aligner
// ("MCAlign") sitting in front of a Queue's Push path: sources that produce
// variable-size reads feed it chunks, and it emits only frame-aligned
// chunks downstream.
//
// Aligner is not safe for concurrent use; callers serialize Push/Pop/Flush
// themselves (typically under the same lock a Queue already holds).
type Aligner struct {
	base     int
	leftover Chunk // 0 <= len(leftover) < base
	current  Chunk // len(current) >= base, awaiting Pop
}

// NewAligner returns an Aligner that packages chunks into multiples of
// base bytes. base must be positive.
func NewAligner(base int) *Aligner {
	if base <= 0 {
		panic("shmcore/memory: aligner base must be positive")
	}
	return &Aligner{base: base}
}

// Close releases any chunks the aligner is still holding.
func (a *Aligner) Close() {
	a.leftover.Free()
	a.current.Free()
}

// Push feeds a new chunk into the aligner. c must be non-empty. Push must
// not be called again until the previously pending current chunk (if any)
// has been fully drained via Pop.
func (a *Aligner) Push(c Chunk) {
	if c.IsEmpty() || c.Length() <= 0 {
		panic("shmcore/memory: aligner push requires a non-empty chunk")
	}
	if !a.current.IsEmpty() {
		panic("shmcore/memory: aligner push called with a pending current chunk")
	}

	if !a.leftover.IsEmpty() {
		if a.leftover.Block() == c.Block() && a.leftover.Index()+a.leftover.Length() == c.Index() {
			// Contiguous in the same block: merge without copying.
			a.leftover.length += c.Length()
			if a.leftover.Length() >= a.base {
				a.current = a.leftover
				a.leftover = Chunk{}
			}
			return
		}

		// Not contiguous: copy the head of c into leftover's block.
		l := a.base - a.leftover.Length()
		if l > c.Length() {
			l = c.Length()
		}

		writable, err := a.leftover.MakeWritable(a.base)
		if err != nil {
			panic(err)
		}
		a.leftover = writable
		copy(a.leftover.Block().Data()[a.leftover.Index()+a.leftover.Length():a.leftover.Index()+a.leftover.Length()+l],
			c.Block().Data()[c.Index():c.Index()+l])
		a.leftover.length += l

		if c.Length() > l {
			rem := c.Retain()
			rem.index += l
			rem.length -= l
			a.current = rem
		}
		return
	}

	// Nothing pending: store the chunk directly, retaining a reference.
	if c.Length() >= a.base {
		a.current = c.Retain()
	} else {
		a.leftover = c.Retain()
	}
}

// Pop returns the next frame-aligned chunk, if one is ready. ok is false
// when the aligner needs more input before it can emit anything.
func (a *Aligner) Pop() (c Chunk, ok bool) {
	if !a.leftover.IsEmpty() {
		if a.leftover.Length() < a.base {
			return Chunk{}, false
		}

		c = a.leftover
		a.leftover = Chunk{}

		if !a.current.IsEmpty() && a.current.Length() < a.base {
			a.leftover = a.current
			a.current = Chunk{}
		}
		return c, true
	}

	if !a.current.IsEmpty() {
		l := (a.current.Length() / a.base) * a.base

		c = a.current
		c.length = l
		c = c.Retain()

		a.current.index += l
		a.current.length -= l

		if a.current.Length() == 0 {
			a.current.Free()
		} else {
			a.leftover = a.current
		}
		a.current = Chunk{}
		return c, true
	}

	return Chunk{}, false
}

// Csize returns the length, rounded down to a multiple of base, that Pop
// would eventually emit if l additional bytes were pushed right now (taking
// into account any pending leftover bytes). The aligner must not have a
// pending current chunk when this is called.
func (a *Aligner) Csize(l int) int {
	if l <= 0 {
		panic("shmcore/memory: csize requires a positive length")
	}
	if !a.current.IsEmpty() {
		panic("shmcore/memory: csize called with a pending current chunk")
	}
	if !a.leftover.IsEmpty() {
		l += a.leftover.Length()
	}
	return (l / a.base) * a.base
}

// Flush drains and discards any chunks the aligner is holding without
// requiring them to be frame-aligned.
func (a *Aligner) Flush() {
	for {
		c, ok := a.Pop()
		if !ok {
			break
		}
		c.Free()
	}
	a.leftover.Free()
	a.current.Free()
}
