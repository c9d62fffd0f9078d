// Copyright 2025 The vmkit Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pmm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vmkit.dev/vmkit/pkg/memarch"
	"vmkit.dev/vmkit/pkg/vmerr"
)

const (
	chunkShift = 22
	chunkSize  = 1 << chunkShift // 4 MB
	chunkMask  = chunkSize - 1
)

// Arena is an Allocator backed by a single memfd.
//
// Each page in the backing file is in one of three states, protected by mu:
//
//   - Free: immediately allocatable and implicitly zeroed, either because the
//     file has never stored data there or because Reclaim punched the range.
//
//   - Used: allocated and owned by exactly one caller.
//
//   - Waste: freed by the owner but not yet zeroed. Reclaim decommits waste
//     pages and returns them to the free state. Waste pages still count
//     against the arena's capacity, which is what makes the
//     allocation-failed/Reclaim/retry dance on the fault path meaningful.
//
// Frame handles are byte offsets into the backing file, so a frame's Paddr
// is stable for its whole lifetime and hole-punching decommits exactly the
// frames being reclaimed.
type Arena struct {
	mu sync.Mutex

	// file is the backing memfd. The file pointer is immutable.
	fd int

	// chunks holds the start address of a mapping of each chunkSize extent
	// of the backing file, in file order. chunks only grows.
	chunks []uintptr

	// fileSize is the current size of the backing file in bytes. Frames in
	// [0, fileSize) have been minted; frames beyond fileSize are void.
	fileSize uint64

	// free and waste are LIFO lists of single-page frames.
	free  []memarch.Paddr
	waste []memarch.Paddr

	usedBytes uint64

	opts AllocatorOpts

	destroyed bool
}

// AllocatorOpts provides options to NewArena.
type AllocatorOpts struct {
	// MaxBytes caps the total size of the backing file. Zero means no cap.
	MaxBytes uint64
}

// Usage summarizes an arena's accounting counters.
type Usage struct {
	// TotalBytes is the current size of the backing file.
	TotalBytes uint64

	// UsedBytes is the number of bytes in frames owned by callers.
	UsedBytes uint64

	// WasteBytes is the number of freed-but-unreclaimed bytes.
	WasteBytes uint64
}

// NewArena creates an empty arena.
func NewArena(opts AllocatorOpts) (*Arena, error) {
	if opts.MaxBytes%memarch.PageSize != 0 {
		return nil, fmt.Errorf("AllocatorOpts.MaxBytes %#x is not page-aligned: %w", opts.MaxBytes, vmerr.ErrInvalidArgs)
	}
	fd, err := unix.MemfdCreate("vmkit-frames", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create failed: %v", err)
	}
	logrus.Debugf("pmm: created frame arena, cap %#x bytes", opts.MaxBytes)
	return &Arena{
		fd:   fd,
		opts: opts,
	}, nil
}

// Destroy releases all resources used by a. No frames handed out by a may be
// used afterward.
func (a *Arena) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		panic("Arena.Destroy called twice")
	}
	a.destroyed = true
	for _, m := range a.chunks {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, m, chunkSize, 0); errno != 0 {
			panic(fmt.Sprintf("failed to unmap arena chunk: %v", errno))
		}
	}
	a.chunks = nil
	unix.Close(a.fd)
}

// AllocPage implements Allocator.AllocPage.
func (a *Arena) AllocPage() (memarch.Paddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		paddr := a.free[n-1]
		a.free = a.free[:n-1]
		a.usedBytes += memarch.PageSize
		return paddr, nil
	}
	paddr, err := a.mintLocked(1, 0)
	if err != nil {
		return memarch.PaddrInvalid, err
	}
	a.usedBytes += memarch.PageSize
	return paddr, nil
}

// FreePage implements Allocator.FreePage.
func (a *Arena) FreePage(paddr memarch.Paddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(paddr) >= a.fileSize || !memarch.IsPageAligned(uint64(paddr)) {
		panic(fmt.Sprintf("FreePage of invalid frame %#x", uint64(paddr)))
	}
	a.waste = append(a.waste, paddr)
	a.usedBytes -= memarch.PageSize
}

// AllocContiguous implements Allocator.AllocContiguous.
//
// Contiguous runs are always minted from the end of the backing file, since
// the free and waste lists hold individual pages with no adjacency tracking.
func (a *Arena) AllocContiguous(count, align uint64) (memarch.Paddr, error) {
	if count == 0 {
		return memarch.PaddrInvalid, fmt.Errorf("AllocContiguous of zero pages: %w", vmerr.ErrInvalidArgs)
	}
	if align != 0 && (align&(align-1) != 0 || align%memarch.PageSize != 0) {
		return memarch.PaddrInvalid, fmt.Errorf("bad contiguous alignment %#x: %w", align, vmerr.ErrInvalidArgs)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	paddr, err := a.mintLocked(count, align)
	if err != nil {
		// The contract distinguishes "no contiguous run" from simple OOM.
		return memarch.PaddrInvalid, fmt.Errorf("no contiguous run of %d pages: %w", count, vmerr.ErrNoResources)
	}
	a.usedBytes += count * memarch.PageSize
	return paddr, nil
}

// Reclaim decommits all waste frames and makes them allocatable again. It
// returns the number of bytes reclaimed.
func (a *Arena) Reclaim() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	reclaimed := uint64(len(a.waste)) * memarch.PageSize
	for _, paddr := range a.waste {
		// Punching the hole both releases the backing storage and guarantees
		// the frame reads back as zeroes when reallocated.
		if err := unix.Fallocate(a.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(paddr), memarch.PageSize); err != nil {
			panic(fmt.Sprintf("failed to decommit frame %#x: %v", uint64(paddr), err))
		}
		a.free = append(a.free, paddr)
	}
	a.waste = a.waste[:0]
	if reclaimed != 0 {
		logrus.Debugf("pmm: reclaimed %#x waste bytes", reclaimed)
	}
	return reclaimed
}

// Slice implements Allocator.Slice.
func (a *Arena) Slice(paddr memarch.Paddr, length uint64) []byte {
	off := uint64(paddr)
	if length == 0 || memarch.PageRoundDown(off) != memarch.PageRoundDown(off+length-1) {
		panic(fmt.Sprintf("Slice(%#x, %#x) does not fall within a single page", off, length))
	}
	a.mu.Lock()
	if a.destroyed || off+length > a.fileSize {
		a.mu.Unlock()
		panic(fmt.Sprintf("Slice(%#x, %#x) of unminted frame", off, length))
	}
	m := a.chunks[off>>chunkShift]
	a.mu.Unlock()
	return unsafe.Slice((*byte)(unsafe.Pointer(m+uintptr(off&chunkMask))), length)
}

// Usage returns the arena's current accounting counters.
func (a *Arena) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{
		TotalBytes: a.fileSize,
		UsedBytes:  a.usedBytes,
		WasteBytes: uint64(len(a.waste)) * memarch.PageSize,
	}
}

// mintLocked carves count never-allocated pages out of the end of the
// backing file, extending and mapping it as needed, and returns the base
// frame of the run. Pages skipped to satisfy align are added to the free
// list rather than discarded.
//
// Preconditions: a.mu must be locked.
func (a *Arena) mintLocked(count, align uint64) (memarch.Paddr, error) {
	if a.destroyed {
		panic("allocation from destroyed Arena")
	}
	base := a.fileSize
	if align > memarch.PageSize {
		base = (base + align - 1) &^ (align - 1)
	}
	end := base + count*memarch.PageSize
	if end < base || (a.opts.MaxBytes != 0 && end > a.opts.MaxBytes) {
		return memarch.PaddrInvalid, vmerr.ErrNoMemory
	}
	if err := a.extendLocked(end); err != nil {
		return memarch.PaddrInvalid, err
	}
	for off := a.fileSize; off < base; off += memarch.PageSize {
		a.free = append(a.free, memarch.Paddr(off))
	}
	a.fileSize = end
	return memarch.Paddr(base), nil
}

// extendLocked grows the backing file to hold [0, end) and maps any newly
// required chunks.
//
// Preconditions: a.mu must be locked.
func (a *Arena) extendLocked(end uint64) error {
	newChunks := int((end + chunkMask) >> chunkShift)
	if newChunks <= len(a.chunks) {
		return nil
	}
	if err := unix.Ftruncate(a.fd, int64(newChunks)<<chunkShift); err != nil {
		return fmt.Errorf("failed to extend frame arena: %v: %w", err, vmerr.ErrNoMemory)
	}
	for i := len(a.chunks); i < newChunks; i++ {
		m, _, errno := unix.Syscall6(
			unix.SYS_MMAP,
			0,
			chunkSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
			uintptr(a.fd),
			uintptr(i)<<chunkShift)
		if errno != 0 {
			return fmt.Errorf("failed to map frame arena chunk %d: %v: %w", i, errno, vmerr.ErrNoMemory)
		}
		a.chunks = append(a.chunks, m)
	}
	return nil
}
