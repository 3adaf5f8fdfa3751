// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"fmt"

	"code.hybscloud.com/shmcore/internal/ilog"
	"code.hybscloud.com/shmcore/internal/iox"
)

// SeekMode selects how Queue.Seek interprets its offset argument.
type SeekMode int

const (
	// SeekRelative seeks relative to the current write index.
	SeekRelative SeekMode = iota
	// SeekAbsolute seeks to an absolute stream position.
	SeekAbsolute
	// SeekRelativeOnRead seeks relative to the current read index.
	SeekRelativeOnRead
	// SeekRelativeEnd seeks relative to the end of the last queued chunk,
	// or to the read index when no chunk is queued.
	SeekRelativeEnd
)

func (m SeekMode) String() string {
	switch m {
	case SeekRelative:
		return "relative"
	case SeekAbsolute:
		return "absolute"
	case SeekRelativeOnRead:
		return "relative-on-read"
	case SeekRelativeEnd:
		return "relative-end"
	default:
		return "unknown"
	}
}

// BufferAttr bundles the four tunables that together shape a Queue's
// buffering behavior, mirroring what a peer negotiates over the wire for a
// playback or capture stream.
type BufferAttr struct {
	MaxLength uint32
	TLength   uint32
	PreBuf    uint32
	MinReq    uint32
}

// QueueConfig configures a Queue at creation time. Base must be a positive
// frame size; every chunk pushed or popped is a multiple of it.
type QueueConfig struct {
	Name       string `yaml:"name"`
	StartIndex int64  `yaml:"start_index"`
	Base       int    `yaml:"base"`
	MaxLength  int    `yaml:"max_length"`
	TLength    int    `yaml:"tlength"`
	PreBuf     int    `yaml:"prebuf"`
	MinReq     int    `yaml:"minreq"`
	MaxRewind  int    `yaml:"max_rewind"`
}

// queueItem is one node of the queue's internal doubly-linked chunk list,
// ordered by increasing stream index with no overlaps between neighbors.
type queueItem struct {
	next, prev *queueItem
	index      int64
	chunk      Chunk
}

// Queue is an ordered list of chunks addressed by a monotonically moving
// 64-bit stream position ("MBQ"): a read index and a write index delimit
// the readable region, and pushes/drops/seeks/rewinds move them without
// ever copying the chunk data they reference.
//
// Queue is not safe for concurrent use; callers serialize access
// themselves, typically under the same lock guarding the stream the queue
// belongs to.
type Queue struct {
	name string

	blocks, blocksTail        *queueItem
	currentRead, currentWrite *queueItem
	nBlocks                   int

	maxLength int
	tLength   int
	base      int
	preBuf    int
	minReq    int
	maxRewind int

	readIndex  int64
	writeIndex int64
	inPreBuf   bool

	silence Chunk
	aligner *Aligner

	missing   int64
	requested int64
}

// NewQueue creates a Queue per cfg. silence, if non-empty, is the chunk
// returned to fill holes in the readable region; Queue takes its own
// reference on it.
func NewQueue(cfg QueueConfig, silence Chunk) *Queue {
	base := cfg.Base
	if base <= 0 {
		base = 1
	}

	q := &Queue{
		name:       cfg.Name,
		base:       base,
		readIndex:  cfg.StartIndex,
		writeIndex: cfg.StartIndex,
		inPreBuf:   true,
		silence:    silence.Retain(),
		aligner:    NewAligner(base),
	}

	ilog.Debug("queue", "requested", "name", cfg.Name, "maxlength", cfg.MaxLength, "tlength", cfg.TLength,
		"base", base, "prebuf", cfg.PreBuf, "minreq", cfg.MinReq, "maxrewind", cfg.MaxRewind)

	q.SetMaxLength(cfg.MaxLength)
	q.SetTLength(cfg.TLength)
	q.SetMinReq(cfg.MinReq)
	q.SetPreBuf(cfg.PreBuf)
	q.SetMaxRewind(cfg.MaxRewind)

	ilog.Debug("queue", "sanitized", "name", cfg.Name, "maxlength", q.maxLength, "tlength", q.tLength,
		"base", q.base, "prebuf", q.preBuf, "minreq", q.minReq, "maxrewind", q.maxRewind)
	return q
}

// Close drops every chunk the queue is holding and releases its silence
// chunk and aligner state.
func (q *Queue) Close() {
	q.MakeSilence()
	q.silence.Free()
	q.aligner.Close()
}

func ceilToBase(v, base int) int {
	return ((v + base - 1) / base) * base
}

func (q *Queue) fixCurrentRead() {
	if q.blocks == nil {
		q.currentRead = nil
		return
	}
	if q.currentRead == nil {
		q.currentRead = q.blocks
	}
	for q.currentRead.index > q.readIndex {
		if q.currentRead.prev == nil {
			break
		}
		q.currentRead = q.currentRead.prev
	}
	for q.currentRead != nil && q.currentRead.index+int64(q.currentRead.chunk.length) <= q.readIndex {
		q.currentRead = q.currentRead.next
	}
}

func (q *Queue) fixCurrentWrite() {
	if q.blocks == nil {
		q.currentWrite = nil
		return
	}
	if q.currentWrite == nil {
		q.currentWrite = q.blocksTail
	}
	for q.currentWrite.index+int64(q.currentWrite.chunk.length) <= q.writeIndex {
		if q.currentWrite.next == nil {
			break
		}
		q.currentWrite = q.currentWrite.next
	}
	for q.currentWrite != nil && q.currentWrite.index > q.writeIndex {
		q.currentWrite = q.currentWrite.prev
	}
}

func (q *Queue) dropItem(item *queueItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		q.blocks = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		q.blocksTail = item.prev
	}
	if q.currentWrite == item {
		q.currentWrite = item.prev
	}
	if q.currentRead == item {
		q.currentRead = item.next
	}
	item.chunk.Free()
	q.nBlocks--
}

func (q *Queue) dropBacklog() {
	boundary := q.readIndex - int64(q.maxRewind)
	for q.blocks != nil && q.blocks.index+int64(q.blocks.chunk.length) <= boundary {
		q.dropItem(q.blocks)
	}
}

func (q *Queue) canPush(l int) bool {
	if q.readIndex > q.writeIndex {
		d := q.readIndex - q.writeIndex
		if int64(l) > d {
			l -= int(d)
		} else {
			return true
		}
	}

	end := q.writeIndex
	if q.blocksTail != nil {
		end = q.blocksTail.index + int64(q.blocksTail.chunk.length)
	}

	if q.writeIndex+int64(l) > end {
		if q.writeIndex+int64(l)-q.readIndex > int64(q.maxLength) {
			return false
		}
	}
	return true
}

func (q *Queue) writeIndexChanged(old int64, account bool) int64 {
	delta := q.writeIndex - old
	if account {
		q.requested -= delta
	} else {
		q.missing -= delta
	}
	return delta
}

func (q *Queue) readIndexChanged(old int64) int64 {
	delta := q.readIndex - old
	q.missing += delta
	return delta
}

// Push inserts chunk at the current write index, splitting, truncating or
// dropping whatever previously occupied the overwritten range, and advances
// the write index by chunk's length. Push does not take ownership of
// chunk; it retains whatever reference it needs to keep.
func (q *Queue) Push(chunk Chunk) (int64, error) {
	if chunk.Length() <= 0 || chunk.Length()%q.base != 0 {
		return 0, fmt.Errorf("shmcore/memory: pushed chunk length must be a positive multiple of the queue base")
	}
	if !q.canPush(chunk.Length()) {
		return 0, iox.ErrQueueFull
	}

	old := q.writeIndex
	local := chunk.Retain()

	q.fixCurrentWrite()
	cur := q.currentWrite

	if cur != nil {
		for q.writeIndex+int64(local.length) > cur.index {
			if cur.next == nil {
				break
			}
			cur = cur.next
		}
	}
	if cur == nil {
		cur = q.blocksTail
	}

	for cur != nil {
		switch {
		case q.writeIndex >= cur.index+int64(cur.chunk.length):
			// Found the insertion point, immediately after cur.
			goto placed

		case q.writeIndex+int64(local.length) <= cur.index:
			// cur isn't touched at all.
			cur = cur.prev

		case q.writeIndex <= cur.index && q.writeIndex+int64(local.length) >= cur.index+int64(cur.chunk.length):
			// cur is fully replaced.
			p := cur
			cur = cur.prev
			q.dropItem(p)

		case q.writeIndex >= cur.index:
			// The write index lands inside cur; truncate or split it.
			if q.writeIndex+int64(local.length) < cur.index+int64(cur.chunk.length) {
				d := int(q.writeIndex + int64(local.length) - cur.index)
				tail := &queueItem{
					index: cur.index + int64(d),
					chunk: Chunk{block: cur.chunk.block, index: cur.chunk.index + d, length: cur.chunk.length - d},
				}
				tail.chunk.block.Ref()

				tail.prev = cur
				tail.next = cur.next
				if cur.next != nil {
					cur.next.prev = tail
				} else {
					q.blocksTail = tail
				}
				cur.next = tail
				q.nBlocks++
			}

			cur.chunk.length = int(q.writeIndex - cur.index)
			if cur.chunk.length <= 0 {
				p := cur
				cur = cur.prev
				q.dropItem(p)
			}
			goto placed

		default:
			// local overwrites the tail end of cur; drop cur's matching prefix.
			d := int(q.writeIndex + int64(local.length) - cur.index)
			cur.index += int64(d)
			cur.chunk.index += d
			cur.chunk.length -= d
			cur = cur.prev
		}
	}

placed:
	if cur != nil {
		// Try to merge with cur: same block, contiguous, and abutting the
		// current write position.
		if cur.chunk.block == local.block &&
			cur.chunk.index+cur.chunk.length == local.index &&
			q.writeIndex == cur.index+int64(cur.chunk.length) {
			cur.chunk.length += local.length
			q.writeIndex += int64(local.length)
			local.Free()
			return q.writeIndexChanged(old, true), nil
		}
	}

	n := &queueItem{chunk: local, index: q.writeIndex}
	q.writeIndex += int64(local.length)

	if cur != nil {
		n.next = cur.next
	} else {
		n.next = q.blocks
	}
	n.prev = cur

	if n.next != nil {
		n.next.prev = n
	} else {
		q.blocksTail = n
	}
	if n.prev != nil {
		n.prev.next = n
	} else {
		q.blocks = n
	}
	q.nBlocks++

	return q.writeIndexChanged(old, true), nil
}

// PushAlign feeds chunk through the queue's frame aligner before pushing
// the resulting frame-aligned pieces. Don't mix this with Seek unless you
// know what you're doing.
func (q *Queue) PushAlign(chunk Chunk) error {
	if q.base == 1 {
		_, err := q.Push(chunk)
		return err
	}

	if !q.canPush(q.aligner.Csize(chunk.Length())) {
		return iox.ErrQueueFull
	}

	q.aligner.Push(chunk)
	for {
		piece, ok := q.aligner.Pop()
		if !ok {
			break
		}
		_, err := q.Push(piece)
		piece.Free()
		if err != nil {
			q.aligner.Flush()
			return err
		}
	}
	return nil
}

func (q *Queue) updatePreBuf() bool {
	if q.inPreBuf {
		if q.Length() < q.preBuf {
			return true
		}
		q.inPreBuf = false
		return false
	}
	if q.preBuf > 0 && q.readIndex >= q.writeIndex {
		q.inPreBuf = true
		return true
	}
	return false
}

// PreBufActive reports whether the queue is currently withholding reads
// pending prebuffering.
func (q *Queue) PreBufActive() bool {
	if q.inPreBuf {
		return q.Length() < q.preBuf
	}
	return q.preBuf > 0 && q.readIndex >= q.writeIndex
}

// Peek returns the next chunk readable at the current read index without
// removing it from the queue. Returns iox.ErrWouldBlock if prebuffering is
// active, or if the queue is empty and no silence chunk was configured. A
// returned chunk with a nil block represents a hole of that length with no
// configured silence to fill it.
func (q *Queue) Peek() (Chunk, error) {
	if q.updatePreBuf() {
		return Chunk{}, iox.ErrWouldBlock
	}

	q.fixCurrentRead()

	if q.currentRead == nil || q.currentRead.index > q.readIndex {
		var length int
		switch {
		case q.currentRead != nil:
			length = int(q.currentRead.index - q.readIndex)
		case q.writeIndex > q.readIndex:
			length = int(q.writeIndex - q.readIndex)
		default:
			length = 0
		}

		if !q.silence.IsEmpty() {
			c := q.silence.Retain()
			if length > 0 && length < c.length {
				c.length = length
			}
			return c, nil
		}

		if length <= 0 {
			return Chunk{}, iox.ErrWouldBlock
		}
		return Chunk{length: length}, nil
	}

	c := q.currentRead.chunk
	d := int(q.readIndex - q.currentRead.index)
	out := Chunk{block: c.block, index: c.index + d, length: c.length - d}
	out.block.Ref()
	return out, nil
}

// PeekFixedSize is like Peek, but guarantees the returned chunk has exactly
// blockSize bytes, assembling it out of several queued chunks (and silence,
// where the queue has holes) when necessary. Requires a configured silence
// chunk.
func (q *Queue) PeekFixedSize(blockSize int) (Chunk, error) {
	if blockSize <= 0 || q.silence.IsEmpty() {
		return Chunk{}, fmt.Errorf("shmcore/memory: peekFixedSize requires a positive size and a configured silence chunk")
	}

	t, err := q.Peek()
	if err != nil {
		return Chunk{}, err
	}

	if t.Length() >= blockSize {
		t.length = blockSize
		return t, nil
	}

	pool := q.silence.block.pool
	dst, err := pool.NewBlock(blockSize)
	if err != nil {
		t.Free()
		return Chunk{}, err
	}

	written := copy(dst.Data(), t.Bytes())
	ri := q.readIndex + int64(t.Length())
	item := q.currentRead
	t.Free()

	for written < blockSize {
		var piece Chunk
		remain := blockSize - written

		if item == nil || item.index > ri {
			piece = q.silence
			if item != nil {
				if d := int(item.index - ri); d < remain {
					remain = d
				}
			}
		} else {
			d := int(ri - item.index)
			piece = item.chunk
			piece.index += d
			piece.length -= d
			item = item.next
		}

		if piece.length > remain {
			piece.length = remain
		}

		n := copy(dst.Data()[written:written+piece.length], piece.Bytes())
		written += n
		ri += int64(piece.length)
	}

	return Chunk{block: dst, index: 0, length: written}, nil
}

// Drop advances the read index by up to length bytes, stopping early if
// prebuffering engages, and returns the actual change in read index.
func (q *Queue) Drop(length int) int64 {
	old := q.readIndex
	remaining := length

	for remaining > 0 {
		if q.updatePreBuf() {
			break
		}

		q.fixCurrentRead()

		if q.currentRead != nil {
			p := q.currentRead.index + int64(q.currentRead.chunk.length)
			d := p - q.readIndex
			if d > int64(remaining) {
				d = int64(remaining)
			}
			q.readIndex += d
			remaining -= int(d)
		} else {
			q.readIndex += int64(remaining)
			break
		}
	}

	q.dropBacklog()
	return q.readIndexChanged(old)
}

// Rewind moves the read index backwards by length bytes, the inverse of
// Drop. If the history is shorter than length, reads past it return
// silence.
func (q *Queue) Rewind(length int) int64 {
	old := q.readIndex
	q.readIndex -= int64(length)
	return q.readIndexChanged(old)
}

// IsReadable reports whether the queue currently has any readable data and
// is not withholding for prebuffering.
func (q *Queue) IsReadable() bool {
	if q.PreBufActive() {
		return false
	}
	return q.Length() != 0
}

// Length returns the number of bytes between the read and write indices.
func (q *Queue) Length() int {
	if q.writeIndex <= q.readIndex {
		return 0
	}
	return int(q.writeIndex - q.readIndex)
}

// IsEmpty reports whether the queue holds no chunks at all, neither ahead
// of nor behind the read pointer.
func (q *Queue) IsEmpty() bool { return q.blocks == nil }

// Seek repositions the write index per mode, then drops any backlog made
// unreachable by the move.
func (q *Queue) Seek(offset int64, mode SeekMode, account bool) {
	old := q.writeIndex
	switch mode {
	case SeekRelative:
		q.writeIndex += offset
	case SeekAbsolute:
		q.writeIndex = offset
	case SeekRelativeOnRead:
		q.writeIndex = q.readIndex + offset
	case SeekRelativeEnd:
		end := q.readIndex
		if q.blocksTail != nil {
			end = q.blocksTail.index + int64(q.blocksTail.chunk.length)
		}
		q.writeIndex = end + offset
	}
	q.dropBacklog()
	q.writeIndexChanged(old, account)
}

// PopMissing returns the number of bytes requested since the last call to
// PopMissing, resetting the internal counter to zero. Returns 0 if fewer
// than MinReq bytes are missing and the queue isn't prebuffering.
func (q *Queue) PopMissing() int64 {
	if q.missing <= 0 {
		return 0
	}
	if q.missing < int64(q.minReq) && !q.PreBufActive() {
		return 0
	}

	l := q.missing
	q.requested += q.missing
	q.missing = 0
	return l
}

// Splice drains source into the queue: every readable chunk (or hole) is
// moved across via PushAlign/Seek and then dropped from source. Disables
// the queue's own prebuffering before draining and does not re-enable it,
// so a redirected stream starts producing data immediately rather than
// waiting to refill.
func (q *Queue) Splice(source *Queue) error {
	q.PreBufDisable()

	for {
		chunk, err := source.Peek()
		if err != nil {
			if err == iox.ErrWouldBlock {
				return nil
			}
			return err
		}

		if chunk.Block() != nil {
			if err := q.PushAlign(chunk); err != nil {
				chunk.Free()
				return err
			}
		} else {
			q.Seek(int64(chunk.Length()), SeekRelative, true)
		}

		length := chunk.Length()
		chunk.Free()
		source.Drop(length)
	}
}

// FlushWrite discards all buffered data and sets the write index to the
// read index, then forces prebuffering back on.
func (q *Queue) FlushWrite(account bool) {
	q.MakeSilence()
	old := q.writeIndex
	q.writeIndex = q.readIndex
	q.PreBufForce()
	q.writeIndexChanged(old, account)
}

// FlushRead discards all buffered data and sets the read index to the
// write index, then forces prebuffering back on.
func (q *Queue) FlushRead() {
	q.MakeSilence()
	old := q.readIndex
	q.readIndex = q.writeIndex
	q.PreBufForce()
	q.readIndexChanged(old)
}

// PreBufDisable makes the queue ignore prebuffering until data runs out
// again.
func (q *Queue) PreBufDisable() { q.inPreBuf = false }

// PreBufForce re-engages prebuffering immediately, if a nonzero prebuffer
// length is configured.
func (q *Queue) PreBufForce() {
	if q.preBuf > 0 {
		q.inPreBuf = true
	}
}

// MakeSilence drops every chunk in the queue without touching the read or
// write indices.
func (q *Queue) MakeSilence() {
	for q.blocks != nil {
		q.dropItem(q.blocks)
	}
}

// SetSilence replaces the chunk returned to fill holes in the readable
// region. Pass the zero Chunk to clear it.
func (q *Queue) SetSilence(silence Chunk) {
	q.silence.Free()
	q.silence = silence.Retain()
}

// SetMaxLength sets the maximum length of the queue in bytes, adjusting
// TLength down to match if it now exceeds the new maximum.
func (q *Queue) SetMaxLength(maxLength int) {
	q.maxLength = ceilToBase(maxLength, q.base)
	if q.maxLength < q.base {
		q.maxLength = q.base
	}
	if q.tLength > q.maxLength {
		q.SetTLength(q.maxLength)
	}
}

// SetTLength sets the target length of the queue. Pass 0 for the default
// (MaxLength).
func (q *Queue) SetTLength(tLength int) {
	if tLength <= 0 {
		tLength = q.maxLength
	}

	old := q.tLength
	q.tLength = ceilToBase(tLength, q.base)
	if q.tLength > q.maxLength {
		q.tLength = q.maxLength
	}
	if q.minReq > q.tLength {
		q.SetMinReq(q.tLength)
	}
	if q.preBuf > q.tLength+q.base-q.minReq {
		q.SetPreBuf(q.tLength + q.base - q.minReq)
	}
	q.missing += int64(q.tLength - old)
}

// SetMinReq sets the minimum request size. Pass 0 for the default.
func (q *Queue) SetMinReq(minReq int) {
	q.minReq = (minReq / q.base) * q.base
	if q.minReq > q.tLength {
		q.minReq = q.tLength
	}
	if q.minReq < q.base {
		q.minReq = q.base
	}
	if q.preBuf > q.tLength+q.base-q.minReq {
		q.SetPreBuf(q.tLength + q.base - q.minReq)
	}
}

// SetPreBuf sets the prebuffer length in bytes. Pass 0 to disable
// prebuffering (Peek no longer withholds data; it still returns
// iox.ErrWouldBlock when nothing is queued and no silence is configured).
// Pass a negative value for the default (TLength + Base - MinReq).
func (q *Queue) SetPreBuf(preBuf int) {
	if preBuf < 0 {
		preBuf = q.tLength + q.base - q.minReq
	}

	q.preBuf = ceilToBase(preBuf, q.base)
	if preBuf > 0 && q.preBuf < q.base {
		q.preBuf = q.base
	}
	if q.preBuf > q.tLength+q.base-q.minReq {
		q.preBuf = q.tLength + q.base - q.minReq
	}
	if q.preBuf <= 0 || q.Length() >= q.preBuf {
		q.inPreBuf = false
	}
}

// SetMaxRewind sets how many bytes of history the queue retains behind the
// read index.
func (q *Queue) SetMaxRewind(maxRewind int) {
	q.maxRewind = (maxRewind / q.base) * q.base
}

// ApplyAttr applies every tunable in a, in the order that keeps each
// intermediate state internally consistent.
func (q *Queue) ApplyAttr(a BufferAttr) {
	q.SetMaxLength(int(a.MaxLength))
	q.SetTLength(int(a.TLength))
	q.SetMinReq(int(a.MinReq))
	q.SetPreBuf(int(a.PreBuf))
}

// GetAttr returns the queue's current tunables.
func (q *Queue) GetAttr() BufferAttr {
	return BufferAttr{
		MaxLength: uint32(q.maxLength),
		TLength:   uint32(q.tLength),
		PreBuf:    uint32(q.preBuf),
		MinReq:    uint32(q.minReq),
	}
}

// Name returns the queue's debugging name.
func (q *Queue) Name() string { return q.name }

// Base returns the frame size every pushed or popped chunk must be a
// multiple of.
func (q *Queue) Base() int { return q.base }

// MaxLength returns the queue's configured maximum length in bytes.
func (q *Queue) MaxLength() int { return q.maxLength }

// TLength returns the queue's configured target length in bytes.
func (q *Queue) TLength() int { return q.tLength }

// PreBuf returns the queue's configured prebuffer length in bytes.
func (q *Queue) PreBuf() int { return q.preBuf }

// MinReq returns the queue's configured minimum request size in bytes.
func (q *Queue) MinReq() int { return q.minReq }

// MaxRewind returns the queue's configured history length in bytes.
func (q *Queue) MaxRewind() int { return q.maxRewind }

// ReadIndex returns the current read index.
func (q *Queue) ReadIndex() int64 { return q.readIndex }

// WriteIndex returns the current write index.
func (q *Queue) WriteIndex() int64 { return q.writeIndex }

// NBlocks returns how many chunks are currently stored in the queue.
func (q *Queue) NBlocks() int { return q.nBlocks }
