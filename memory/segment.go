// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/shmcore/internal/ilog"
	"code.hybscloud.com/shmcore/internal/iox"
)

// SegmentKind identifies the backing storage of a Segment.
type SegmentKind int

const (
	// KindPrivate is process-local anonymous memory: mmap(MAP_ANONYMOUS|MAP_PRIVATE).
	KindPrivate SegmentKind = iota
	// KindPosixShared is a named POSIX shared memory object under /dev/shm.
	KindPosixShared
	// KindMemfdShared is an anonymous sealable shared file descriptor created
	// with memfd_create, intended to be handed to a peer process.
	KindMemfdShared
)

func (k SegmentKind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindPosixShared:
		return "posix-shared"
	case KindMemfdShared:
		return "memfd-shared"
	default:
		return "unknown"
	}
}

// MarshalYAML renders the kind as its String() form, so config files read
// "posix-shared" rather than a bare integer.
func (k SegmentKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// UnmarshalYAML accepts any of "private", "posix-shared" or "memfd-shared".
func (k *SegmentKind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "private", "":
		*k = KindPrivate
	case "posix-shared":
		*k = KindPosixShared
	case "memfd-shared":
		*k = KindMemfdShared
	default:
		return fmt.Errorf("shmcore/memory: unknown segment kind %q", s)
	}
	return nil
}

// MaxSegmentSize is the largest segment this package will create or attach
// to, aligned up to a pointer multiple (1 GiB).
const MaxSegmentSize = alignPtr(1024 * 1024 * 1024)

const shmMarkerMagic = 0xbeefcafe

// shmMarker is written at the tail of POSIX-shared segments so that a later
// process can identify and, if the owner is dead, clean up the segment.
type shmMarker struct {
	magic     uint32
	pid       int64
	reserved1 uint64
	reserved2 uint64
	reserved3 uint64
	reserved4 uint64
}

const shmMarkerSize = 48 // alignPtr(unsafe.Sizeof(shmMarker{})) rounded for 8-byte fields

func markerSizeFor(kind SegmentKind) int {
	if kind == KindPosixShared {
		return alignPtr(shmMarkerSize)
	}
	return 0
}

func alignPtr(l int) int {
	const wordSize = 8
	return (l + wordSize - 1) &^ (wordSize - 1)
}

func pageAlign(l int) int {
	ps := PageSize
	return (l + ps - 1) &^ (ps - 1)
}

// PageSize is the runtime page size used to align segment sizes and punch
// offsets. It is resolved once at package init via unix.Getpagesize.
var PageSize = unix.Getpagesize()

// Segment is a contiguous region of memory, optionally shared with other
// processes. It is the foundation the memory Pool partitions into slots.
type Segment struct {
	mu sync.Mutex

	prefix     string
	kind       SegmentKind
	id         uint32
	data       []byte
	size       int
	doUnlink   bool
	fd         int
	closeFdOld bool
}

// NewSegment creates a new segment of the given kind and at least the given
// size (rounded up to a page multiple). prefix names the /dev/shm object
// family for KindPosixShared and KindMemfdShared segments and is ignored for
// KindPrivate. mode is the Unix permission bits used for shm_open-equivalent
// creation (0600-0777).
func NewSegment(prefix string, kind SegmentKind, size int, mode os.FileMode) (*Segment, error) {
	if size <= 0 || size > MaxSegmentSize {
		return nil, fmt.Errorf("shmcore/memory: invalid segment size %d: %w", size, iox.ErrTooLarge)
	}
	if mode&^0777 != 0 || mode < 0600 {
		return nil, fmt.Errorf("shmcore/memory: invalid segment mode %o", mode)
	}
	size = pageAlign(size)

	if kind == KindPrivate {
		return createPrivateSegment(prefix, size)
	}
	return createSharedSegment(prefix, kind, size, mode)
}

func createPrivateSegment(prefix string, size int) (*Segment, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		ilog.Warn("segment", "mmap private failed", "err", err)
		return nil, fmt.Errorf("%w: mmap: %v", iox.ErrBackendFailure, err)
	}
	return &Segment{prefix: prefix, kind: KindPrivate, data: data, size: size, fd: -1}, nil
}

func createSharedSegment(prefix string, kind SegmentKind, size int, mode os.FileMode) (*Segment, error) {
	// Each time a new shared segment family is created, drop stale ones first.
	CleanupStale(prefix)

	id := randomSegmentID()
	seg := &Segment{prefix: prefix, kind: kind, id: id, fd: -1}

	var fd int
	var err error
	switch kind {
	case KindPosixShared:
		name := segmentName(prefix, id)
		fd, err = shmOpenCreate(name, mode)
		seg.doUnlink = true
	case KindMemfdShared:
		fd, err = unix.MemfdCreate(prefix, unix.MFD_ALLOW_SEALING)
	default:
		return nil, fmt.Errorf("shmcore/memory: unsupported segment kind %v", kind)
	}
	if err != nil {
		ilog.Warn("segment", "open failed", "kind", kind, "err", err)
		return nil, fmt.Errorf("%w: open: %v", iox.ErrBackendFailure, err)
	}

	full := size + markerSizeFor(kind)
	if err := unix.Ftruncate(fd, int64(full)); err != nil {
		unix.Close(fd)
		ilog.Warn("segment", "ftruncate failed", "err", err)
		return nil, fmt.Errorf("%w: ftruncate: %v", iox.ErrBackendFailure, err)
	}

	data, err := unix.Mmap(fd, 0, pageAlign(full), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		ilog.Warn("segment", "mmap shared failed", "err", err)
		return nil, fmt.Errorf("%w: mmap: %v", iox.ErrBackendFailure, err)
	}

	seg.size = full
	seg.data = data

	if kind == KindPosixShared {
		writeMarker(data[full-markerSizeFor(kind):], int64(os.Getpid()))
	}

	// For memfd segments we keep the fd open until it is handed to a peer
	// process; for POSIX-shared segments the name alone is sufficient.
	if kind == KindMemfdShared {
		seg.fd = fd
	} else {
		unix.Close(fd)
		seg.fd = -1
	}

	return seg, nil
}

func writeMarker(tail []byte, pid int64) {
	le := func(v uint64, off int) {
		for i := 0; i < 8; i++ {
			tail[off+i] = byte(v >> (8 * i))
		}
	}
	le(shmMarkerMagic, 0)
	le(uint64(pid), 8)
}

func readMarker(tail []byte) (magic uint32, pid int64, ok bool) {
	if len(tail) < 16 {
		return 0, 0, false
	}
	var m, p uint64
	for i := 0; i < 8; i++ {
		m |= uint64(tail[i]) << (8 * i)
	}
	for i := 0; i < 8; i++ {
		p |= uint64(tail[8+i]) << (8 * i)
	}
	return uint32(m), int64(p), true
}

func segmentName(prefix string, id uint32) string {
	return fmt.Sprintf("/%s-%d", prefix, id)
}

func shmPath(name string) string {
	return "/dev/shm" + name
}

func shmOpenCreate(name string, mode os.FileMode) (int, error) {
	return unix.Open(shmPath(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, uint32(mode))
}

var segIDCounter atomic.Uint64

func randomSegmentID() uint32 {
	// Random-enough and collision-resistant for a process-local namespace;
	// a true CSPRNG is unnecessary since uniqueness, not unpredictability,
	// is what the segment name needs.
	v := segIDCounter.Add(1)
	return uint32(v*2654435761 + uint64(os.Getpid()))
}

// Data returns the segment's backing byte slice, including the trailing
// marker region (if any) for shared-POSIX segments. Callers allocating
// slots out of this segment must not read or write past Size().
func (s *Segment) Data() []byte { return s.data }

// Size returns the payload size, excluding any trailing marker bytes the
// kind reserves.
func (s *Segment) Size() int { return s.size - markerSizeFor(s.kind) }

// Kind returns the segment's backing storage kind.
func (s *Segment) Kind() SegmentKind { return s.kind }

// ID returns the small integer identifying this segment within its prefix
// namespace. Zero for private segments.
func (s *Segment) ID() uint32 { return s.id }

// Fd returns the open file descriptor backing a memfd-shared segment, or -1
// if the segment is private, POSIX-shared, attached rather than created, or
// detached. The caller does not take ownership of the returned fd.
func (s *Segment) Fd() int {
	if s.kind == KindMemfdShared {
		return s.fd
	}
	return -1
}

// Detach unmaps the segment and releases any OS resources it owns. For
// POSIX-shared segments that this process created, it also unlinks the
// shared memory object name.
func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil && s.size == 0 {
		return iox.ErrClosed
	}

	if s.kind == KindPrivate {
		if err := unix.Munmap(s.data); err != nil {
			ilog.Warn("segment", "munmap private failed", "err", err)
		}
	} else {
		if err := unix.Munmap(s.data[:pageAlign(s.size)]); err != nil {
			ilog.Warn("segment", "munmap failed", "err", err)
		}
		if s.kind == KindPosixShared && s.doUnlink {
			name := segmentName(s.prefix, s.id)
			if err := unix.Unlink(shmPath(name)); err != nil {
				ilog.Warn("segment", "shm_unlink failed", "name", name, "err", err)
			}
		}
		if s.kind == KindMemfdShared && s.fd != -1 {
			unix.Close(s.fd)
		}
	}

	s.data = nil
	s.size = 0
	s.fd = -1
	return nil
}

// Punch releases the physical pages backing [offset, offset+size) back to
// the OS, best-effort. Readers that touch the range afterwards observe
// zeroed memory; no error is surfaced if every available madvise mode
// fails, matching the "always succeeds from the caller's point of view"
// contract of the original hole-punch chain.
func (s *Segment) Punch(offset, size int) {
	if size <= 0 || offset+size > len(s.data) {
		return
	}
	ptr := offset
	o := ptr % PageSize
	if o > 0 {
		delta := PageSize - o
		ptr += delta
		size -= delta
		if size <= 0 {
			return
		}
	}
	size = (size / PageSize) * PageSize
	if size <= 0 {
		return
	}

	region := s.data[ptr : ptr+size]
	if unix.Madvise(region, unix.MADV_REMOVE) == nil {
		return
	}
	if unix.Madvise(region, unix.MADV_FREE) == nil {
		return
	}
	_ = unix.Madvise(region, unix.MADV_DONTNEED)
}

// AttachSegment attaches to an existing shared segment identified by kind
// and id (for KindPosixShared) or by an inherited file descriptor (for
// KindMemfdShared). The caller retains ownership of fd for KindMemfdShared
// attachments and is responsible for closing it when appropriate.
func AttachSegment(prefix string, kind SegmentKind, id uint32, fd int, writable bool) (*Segment, error) {
	return doAttach(prefix, kind, id, fd, writable, false)
}

func doAttach(prefix string, kind SegmentKind, id uint32, fd int, writable, forCleanup bool) (*Segment, error) {
	var localFd int
	switch kind {
	case KindPosixShared:
		name := segmentName(prefix, id)
		flags := unix.O_RDONLY
		if writable {
			flags = unix.O_RDWR
		}
		f, err := unix.Open(shmPath(name), flags, 0)
		if err != nil {
			if !forCleanup || (err != unix.EACCES && err != unix.ENOENT) {
				ilog.Warn("segment", "shm_open attach failed", "name", name, "err", err)
			}
			return nil, fmt.Errorf("%w: shm_open: %v", iox.ErrBackendFailure, err)
		}
		localFd = f
	case KindMemfdShared:
		if fd < 0 {
			return nil, fmt.Errorf("shmcore/memory: memfd attach requires a valid fd")
		}
		localFd = fd
	default:
		return nil, fmt.Errorf("shmcore/memory: unsupported attach kind %v", kind)
	}

	var st unix.Stat_t
	if err := unix.Fstat(localFd, &st); err != nil {
		ilog.Warn("segment", "fstat failed", "err", err)
		if kind != KindMemfdShared {
			unix.Close(localFd)
		}
		return nil, fmt.Errorf("%w: fstat: %v", iox.ErrBackendFailure, err)
	}

	size := int(st.Size)
	if size <= 0 || size > MaxSegmentSize+markerSizeFor(kind) || alignPtr(size) != size {
		ilog.Warn("segment", "invalid attach size", "size", size)
		if kind != KindMemfdShared {
			unix.Close(localFd)
		}
		return nil, fmt.Errorf("%w: invalid segment size %d", iox.ErrProtocolViolation, size)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(localFd, 0, pageAlign(size), prot, unix.MAP_SHARED)
	if err != nil {
		ilog.Warn("segment", "mmap attach failed", "err", err)
		if kind != KindMemfdShared {
			unix.Close(localFd)
		}
		return nil, fmt.Errorf("%w: mmap: %v", iox.ErrBackendFailure, err)
	}

	if kind != KindMemfdShared {
		unix.Close(localFd)
	}

	return &Segment{
		prefix: prefix,
		kind:   kind,
		id:     id,
		data:   data,
		size:   size,
		fd:     -1,
	}, nil
}

// CleanupStale scans /dev/shm for POSIX-shared segments named under prefix
// whose owning process is no longer alive and removes them. It is called
// automatically before creating a new shared segment family.
func CleanupStale(prefix string) error {
	entries, err := os.ReadDir("/dev/shm")
	if err != nil {
		ilog.Warn("segment", "readdir /dev/shm failed", "err", err)
		return fmt.Errorf("%w: readdir: %v", iox.ErrBackendFailure, err)
	}

	prefixLen := len(prefix)
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, prefix) || len(name) <= prefixLen+1 {
			continue
		}
		idStr := name[prefixLen+1:]
		id64, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)

		seg, err := doAttach(prefix, KindPosixShared, id, -1, false, true)
		if err != nil {
			continue
		}

		msize := markerSizeFor(KindPosixShared)
		if seg.size < msize {
			seg.Detach()
			continue
		}
		magic, pid, ok := readMarker(seg.data[seg.size-msize:])
		seg.Detach()
		if !ok || magic != shmMarkerMagic || pid == 0 {
			continue
		}

		if err := unix.Kill(int(pid), 0); err == nil || err != unix.ESRCH {
			// Owner alive or liveness indeterminate: leave it alone.
			continue
		}

		fn := segmentName(prefix, id)
		if err := unix.Unlink(shmPath(fn)); err != nil && err != unix.EACCES && err != unix.ENOENT {
			ilog.Warn("segment", "cleanup unlink failed", "name", fn, "err", err)
		}
	}
	return nil
}
