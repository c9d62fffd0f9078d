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

package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"vmkit.dev/vmkit/pkg/archmmu"
	"vmkit.dev/vmkit/pkg/memarch"
	"vmkit.dev/vmkit/pkg/pmm"
	"vmkit.dev/vmkit/pkg/usercopy"
	"vmkit.dev/vmkit/pkg/vmerr"
)

// vmoKind is the closed set of VmObject backing kinds.
type vmoKind uint8

const (
	// vmoPaged is a demand-paged, resizable object.
	vmoPaged vmoKind = iota

	// vmoContiguous is backed by a physically contiguous run. Contiguous
	// objects are not resizable and not decommittable.
	vmoContiguous

	// vmoROData is pre-populated with static content and rejects writes.
	vmoROData
)

// VmObject is the reference-counted byte container backing memory mappings.
// It owns physical frames for a resizable, potentially copy-on-write range
// of content, independent of any address space that maps it.
//
// All mutable fields are guarded by lock. lock is shared by every object in
// the same COW family; see the package comment for the locking rationale.
type VmObject struct {
	// name is a debug label. name is immutable.
	name string

	// lock guards this object and, being shared, the whole COW family.
	lock *sync.Mutex

	refs atomic.Int64

	// alloc provides backing frames. alloc is immutable.
	alloc pmm.Allocator

	// cache performs cache maintenance for this object's frames. cache may
	// be nil, in which case maintenance operations are no-ops. Immutable.
	cache archmmu.CacheOps

	kind vmoKind

	// size is the object's current byte length, always page-aligned.
	size uint64

	// parent, if non-nil, is the object this one was cloned from. The child
	// holds a reference on the parent. parentOffset is the offset in parent
	// at which this object's offset 0 begins; it is page-aligned and
	// immutable.
	parent       *VmObject
	parentOffset uint64

	// children are the live clones of this object.
	children []*VmObject

	// pages maps offsets to frames this object owns directly.
	pages pageList

	// mappings is the set of regions currently mapping this object.
	mappings map[*VmRegion]struct{}

	destroyed bool
}

// CreateOpts provides options to Create and CreateFromROData.
type CreateOpts struct {
	// Name is a debug label for the object.
	Name string

	// Cache performs cache maintenance for the object's frames. May be nil.
	Cache archmmu.CacheOps
}

// Create allocates a fresh object of the given size with no pages committed.
// size is rounded up to the page size and must not exceed memarch.MaxVmoSize.
func Create(alloc pmm.Allocator, size uint64, opts CreateOpts) (*VmObject, error) {
	sz, ok := memarch.PageRoundUp(size)
	if !ok || sz > memarch.MaxVmoSize {
		return nil, fmt.Errorf("object size %#x too large: %w", size, vmerr.ErrInvalidArgs)
	}
	o := &VmObject{
		name:     opts.Name,
		lock:     &sync.Mutex{},
		alloc:    alloc,
		cache:    opts.Cache,
		kind:     vmoPaged,
		size:     sz,
		pages:    newPageList(),
		mappings: make(map[*VmRegion]struct{}),
	}
	o.refs.Store(1)
	logrus.Debugf("vm: created object %q, size %#x", o.name, sz)
	return o, nil
}

// CreateFromROData creates an object pre-populated with data. The object is
// read-only: writes and write faults fail with an access-denied kind. Clones
// of the object may still be written.
func CreateFromROData(alloc pmm.Allocator, data []byte, opts CreateOpts) (*VmObject, error) {
	o, err := Create(alloc, uint64(len(data)), opts)
	if err != nil {
		return nil, err
	}
	o.lock.Lock()
	for done := 0; done < len(data); done += memarch.PageSize {
		e, err := o.commitPageLocked(uint64(done))
		if err != nil {
			o.lock.Unlock()
			o.DecRef()
			return nil, err
		}
		n := min(len(data)-done, memarch.PageSize)
		copy(alloc.Slice(e.paddr, uint64(n)), data[done:done+n])
	}
	o.kind = vmoROData
	o.lock.Unlock()
	return o, nil
}

// CloneCOW creates a copy-on-write child observing this object's content in
// [offset, offset+size) as of the call. Subsequent writes on either side are
// invisible to the other. offset must be page-aligned; size is rounded up.
func (o *VmObject) CloneCOW(offset, size uint64, name string) (*VmObject, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.destroyed {
		panic("CloneCOW of destroyed object")
	}
	if o.kind == vmoContiguous {
		return nil, fmt.Errorf("contiguous objects cannot be cloned: %w", vmerr.ErrInvalidArgs)
	}
	if !memarch.IsPageAligned(offset) {
		return nil, vmerr.ErrInvalidArgs
	}
	sz, ok := memarch.PageRoundUp(size)
	if !ok || sz > memarch.MaxVmoSize {
		return nil, vmerr.ErrInvalidArgs
	}
	// Enforced at clone time only; the parent may shrink later, in which
	// case the out-of-range tail reads as zero.
	if end := offset + sz; end < offset || end > o.size {
		return nil, fmt.Errorf("clone [%#x, %#x) exceeds source size %#x: %w", offset, offset+sz, o.size, vmerr.ErrInvalidArgs)
	}
	c := &VmObject{
		name: name,
		// A clone can never create a cycle: it is a brand-new node. Sharing
		// the family lock keeps both chain directions traversable.
		lock:         o.lock,
		alloc:        o.alloc,
		cache:        o.cache,
		kind:         vmoPaged,
		size:         sz,
		parent:       o,
		parentOffset: offset,
		pages:        newPageList(),
		mappings:     make(map[*VmRegion]struct{}),
	}
	c.refs.Store(1)
	o.refs.Add(1) // child's reference on parent
	o.children = append(o.children, c)
	// Translations installed before the clone may still be writable over the
	// cloned range; tear them down so the next write faults and pushes a
	// snapshot into the child first.
	o.rangeChangeLocked(memarch.Range{Start: offset, End: offset + sz}, true)
	logrus.Debugf("vm: cloned object %q from %q at %#x, size %#x", name, o.name, offset, sz)
	return c, nil
}

// IncRef increments the object's reference count.
func (o *VmObject) IncRef() *VmObject {
	if o.refs.Add(1) <= 1 {
		panic("IncRef on released VmObject")
	}
	return o
}

// DecRef decrements the object's reference count, destroying the object when
// it reaches zero. Destruction releases all owned frames and the parent
// reference, which may recursively destroy the parent.
func (o *VmObject) DecRef() {
	n := o.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("DecRef on released VmObject")
	}
	o.lock.Lock()
	if o.destroyed {
		panic("VmObject destroyed twice")
	}
	if checkInvariants {
		// Children and regions each hold a reference, so a zero refcount
		// implies neither exist.
		if len(o.children) != 0 {
			panic(fmt.Sprintf("destroying object %q with %d live clones", o.name, len(o.children)))
		}
		if len(o.mappings) != 0 {
			panic(fmt.Sprintf("destroying object %q with %d live mappings", o.name, len(o.mappings)))
		}
	}
	o.pages.removeRange(memarch.Range{Start: 0, End: o.size}, func(e *pageEntry) {
		o.alloc.FreePage(e.paddr)
	})
	o.destroyed = true
	parent := o.parent
	o.parent = nil
	if parent != nil {
		// The family shares one lock, so the unlink happens in the same
		// critical section that freed the pages; a concurrent parent write
		// can never snapshot into a destroyed child.
		parent.dropChildLocked(o)
	}
	o.lock.Unlock()
	if parent != nil {
		parent.DecRef()
	}
	logrus.Debugf("vm: destroyed object %q", o.name)
}

// dropChildLocked unlinks c from o's child list.
//
// Preconditions: the family lock is held.
func (o *VmObject) dropChildLocked(c *VmObject) {
	for i, cc := range o.children {
		if cc == c {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
	panic("dropChildLocked of unknown clone")
}

// Name returns the object's debug label.
func (o *VmObject) Name() string { return o.name }

// Size returns the object's current byte length.
func (o *VmObject) Size() uint64 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.size
}

// AttributedPages returns the number of pages this object owns directly.
func (o *VmObject) AttributedPages() uint64 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.pages.resident()
}

// Resize changes the object's size. Growing never touches existing pages.
// Shrinking unmaps and releases all pages in the removed tail before
// returning; pinned pages in the tail fail the call with a bad-state kind.
// Contiguous and read-only objects do not support resizing.
func (o *VmObject) Resize(newSize uint64) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.kind != vmoPaged {
		return fmt.Errorf("object %q does not support resizing: %w", o.name, vmerr.ErrInvalidArgs)
	}
	sz, ok := memarch.PageRoundUp(newSize)
	if !ok || sz > memarch.MaxVmoSize {
		return fmt.Errorf("resize to %#x out of range: %w", newSize, vmerr.ErrInvalidArgs)
	}
	switch {
	case sz == o.size:
		return nil
	case sz > o.size:
		o.size = sz
		return nil
	}
	tail := memarch.Range{Start: sz, End: o.size}
	if o.pages.anyPinned(tail) {
		return fmt.Errorf("resize would release pinned pages: %w", vmerr.ErrBadState)
	}
	// Invalidate every mapping of the removed range, here and down the COW
	// chain, before any page is released.
	o.rangeChangeLocked(tail, true)
	o.pages.removeRange(tail, func(e *pageEntry) {
		o.alloc.FreePage(e.paddr)
	})
	o.size = sz
	return nil
}

// CommitRange ensures every page in [offset, offset+length) is backed by an
// owned frame, allocating (and snapshotting COW parent content) as needed.
// It returns the number of bytes in the range that are committed on return;
// pages that were already committed count. A failure partway through leaves
// already-committed pages committed and reports both the progress and an
// out-of-memory kind.
func (o *VmObject) CommitRange(offset, length uint64) (uint64, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	rng, err := o.pageRangeLocked(offset, length)
	if err != nil {
		return 0, err
	}
	var committed uint64
	for off := rng.Start; off < rng.End; off += memarch.PageSize {
		if _, err := o.commitPageLocked(off); err != nil {
			return committed, fmt.Errorf("committed %#x of %#x bytes: %w", committed, rng.Length(), err)
		}
		committed += memarch.PageSize
	}
	return committed, nil
}

// CommitRangeContiguous is like CommitRange, but backs the range with a
// physically contiguous, align-aligned run. The range must be entirely
// uncommitted. On success the object becomes contiguous: no longer
// resizable, decommittable or cloneable.
func (o *VmObject) CommitRangeContiguous(offset, length, align uint64) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.kind != vmoPaged {
		return vmerr.ErrBadState
	}
	rng, err := o.pageRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if rng.Length() == 0 {
		return vmerr.ErrInvalidArgs
	}
	if o.pages.residentIn(rng) != 0 {
		return fmt.Errorf("contiguous commit over committed pages: %w", vmerr.ErrBadState)
	}
	base, err := o.alloc.AllocContiguous(rng.Length()/memarch.PageSize, align)
	if err != nil {
		return err
	}
	for off := rng.Start; off < rng.End; off += memarch.PageSize {
		o.pages.insert(off, base+memarch.Paddr(off-rng.Start))
	}
	// Mappings in the range may have parent frames installed.
	o.rangeChangeLocked(rng, true)
	o.kind = vmoContiguous
	return nil
}

// DecommitRange releases the owned frames backing [offset, offset+length)
// back to the allocator and returns the number of bytes released. The call
// is all-or-nothing against pins: if any page in the range is pinned,
// nothing is decommitted and the call fails with a pinned kind. Content in
// the range subsequently reads as zero, through clones as well.
func (o *VmObject) DecommitRange(offset, length uint64) (uint64, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.kind != vmoPaged {
		return 0, vmerr.ErrBadState
	}
	rng, err := o.pageRangeLocked(offset, length)
	if err != nil {
		return 0, err
	}
	if o.pages.anyPinned(rng) {
		return 0, vmerr.ErrPinned
	}
	o.rangeChangeLocked(rng, true)
	var freed uint64
	o.pages.removeRange(rng, func(e *pageEntry) {
		o.alloc.FreePage(e.paddr)
		freed += memarch.PageSize
	})
	return freed, nil
}

// Pin commits every page in [offset, offset+length) and marks it ineligible
// for decommit or eviction until a matching Unpin. Pin/Unpin must be
// strictly nested; imbalance is a caller bug and panics.
func (o *VmObject) Pin(offset, length uint64) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	rng, err := o.pageRangeLocked(offset, length)
	if err != nil {
		return err
	}
	for off := rng.Start; off < rng.End; off += memarch.PageSize {
		e, err := o.commitPageLocked(off)
		if err != nil {
			// Unwind pins taken so far so a failed Pin has no effect.
			for undo := rng.Start; undo < off; undo += memarch.PageSize {
				o.pages.lookup(undo).pins--
			}
			return err
		}
		if e.pins == ^uint32(0) {
			panic(fmt.Sprintf("pin count overflow at offset %#x", off))
		}
		e.pins++
	}
	return nil
}

// Unpin reverses a previous Pin covering the same range.
func (o *VmObject) Unpin(offset, length uint64) {
	o.lock.Lock()
	defer o.lock.Unlock()
	rng, err := o.pageRangeLocked(offset, length)
	if err != nil {
		panic(fmt.Sprintf("Unpin(%#x, %#x): %v", offset, length, err))
	}
	for off := rng.Start; off < rng.End; off += memarch.PageSize {
		e := o.pages.lookup(off)
		if e == nil || e.pins == 0 {
			panic(fmt.Sprintf("unpin of unpinned page at offset %#x", off))
		}
		e.pins--
	}
}

// Read copies up to len(dst) bytes starting at offset into dst and returns
// the number of bytes copied. Uncommitted content reads as zero (through the
// COW chain for holes with ancestor content) without committing pages. A
// read extending past the object's size is truncated and reports an
// out-of-range kind.
func (o *VmObject) Read(dst []byte, offset uint64) (int, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	n, capped := o.capLocked(offset, len(dst))
	for done := 0; done < n; {
		off := offset + uint64(done)
		pageOff := memarch.PageRoundDown(off)
		chunk := min(n-done, int(pageOff+memarch.PageSize-off))
		if pa, ok := o.visiblePageLocked(pageOff); ok {
			copy(dst[done:done+chunk], o.alloc.Slice(pa+memarch.Paddr(off-pageOff), uint64(chunk)))
		} else {
			clear(dst[done : done+chunk])
		}
		done += chunk
	}
	if capped {
		return n, vmerr.ErrOutOfRange
	}
	return n, nil
}

// Write copies up to len(src) bytes from src into the object at offset,
// committing and COW-breaking pages as needed, and returns the number of
// bytes copied. A write extending past the object's size is truncated and
// reports an out-of-range kind.
func (o *VmObject) Write(src []byte, offset uint64) (int, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.kind == vmoROData {
		return 0, vmerr.ErrAccessDenied
	}
	n, capped := o.capLocked(offset, len(src))
	for done := 0; done < n; {
		off := offset + uint64(done)
		pageOff := memarch.PageRoundDown(off)
		chunk := min(n-done, int(pageOff+memarch.PageSize-off))
		e, err := o.pageForWriteLocked(pageOff)
		if err != nil {
			return done, err
		}
		copy(o.alloc.Slice(e.paddr+memarch.Paddr(off-pageOff), uint64(chunk)), src[done:done+chunk])
		done += chunk
	}
	if capped {
		return n, vmerr.ErrOutOfRange
	}
	return n, nil
}

// ReadUser is Read with the destination in user memory, reached through the
// user-copy capability. It returns the bytes transferred; a user fault
// partway through reports the progress and a fault kind.
func (o *VmObject) ReadUser(io usercopy.IO, uaddr memarch.Vaddr, offset, length uint64) (int, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	n, capped := o.capLocked(offset, int(length))
	var zeroes [memarch.PageSize]byte
	done := 0
	for done < n {
		off := offset + uint64(done)
		pageOff := memarch.PageRoundDown(off)
		chunk := min(n-done, int(pageOff+memarch.PageSize-off))
		var src []byte
		if pa, ok := o.visiblePageLocked(pageOff); ok {
			src = o.alloc.Slice(pa+memarch.Paddr(off-pageOff), uint64(chunk))
		} else {
			src = zeroes[:chunk]
		}
		copied, err := io.CopyOut(uaddr+memarch.Vaddr(done), src)
		done += copied
		if err != nil {
			return done, err
		}
	}
	if capped {
		return done, vmerr.ErrOutOfRange
	}
	return done, nil
}

// WriteUser is Write with the source in user memory.
func (o *VmObject) WriteUser(io usercopy.IO, uaddr memarch.Vaddr, offset, length uint64) (int, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.kind == vmoROData {
		return 0, vmerr.ErrAccessDenied
	}
	n, capped := o.capLocked(offset, int(length))
	done := 0
	for done < n {
		off := offset + uint64(done)
		pageOff := memarch.PageRoundDown(off)
		chunk := min(n-done, int(pageOff+memarch.PageSize-off))
		e, err := o.pageForWriteLocked(pageOff)
		if err != nil {
			return done, err
		}
		copied, err := io.CopyIn(uaddr+memarch.Vaddr(done), o.alloc.Slice(e.paddr+memarch.Paddr(off-pageOff), uint64(chunk)))
		done += copied
		if err != nil {
			return done, err
		}
	}
	if capped {
		return done, vmerr.ErrOutOfRange
	}
	return done, nil
}

// Lookup invokes fn for each backed page in [offset, offset+length) in
// increasing offset order, passing the page's object offset and frame. If
// commit is true, missing pages are committed first, so fn sees every page
// in the range; otherwise only pages this object owns are visited. A non-nil
// error from fn stops the walk and is returned.
func (o *VmObject) Lookup(offset, length uint64, commit bool, fn func(off uint64, pa memarch.Paddr) error) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	rng, err := o.pageRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if commit {
		for off := rng.Start; off < rng.End; off += memarch.PageSize {
			e, err := o.commitPageLocked(off)
			if err != nil {
				return err
			}
			if err := fn(off, e.paddr); err != nil {
				return err
			}
		}
		return nil
	}
	var fnErr error
	o.pages.forRange(rng, func(e *pageEntry) bool {
		fnErr = fn(e.off, e.paddr)
		return fnErr == nil
	})
	return fnErr
}

// GetPage returns the frame backing the page at offset, committing or
// COW-breaking it as required by the access type. writable reports whether a
// mapping of the returned frame may permit writes: it is false when the
// frame is borrowed from a COW parent, so that a later write still faults
// and triggers the copy.
//
// This is the page-fault path's primitive.
func (o *VmObject) GetPage(offset uint64, access memarch.AccessType) (memarch.Paddr, bool, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.getPageLocked(offset, access)
}

// InvalidateCache discards cache lines covering the committed pages in the
// given byte range. Unbacked sub-ranges are no-ops.
func (o *VmObject) InvalidateCache(offset, length uint64) error {
	return o.cacheOp(offset, length, func(c archmmu.CacheOps, pa memarch.Paddr, n uint64) {
		c.InvalidateRange(pa, n)
	})
}

// CleanCache writes back cache lines covering the committed pages in the
// given byte range.
func (o *VmObject) CleanCache(offset, length uint64) error {
	return o.cacheOp(offset, length, func(c archmmu.CacheOps, pa memarch.Paddr, n uint64) {
		c.CleanRange(pa, n)
	})
}

// CleanInvalidateCache writes back and discards cache lines covering the
// committed pages in the given byte range.
func (o *VmObject) CleanInvalidateCache(offset, length uint64) error {
	return o.cacheOp(offset, length, func(c archmmu.CacheOps, pa memarch.Paddr, n uint64) {
		c.CleanInvalidateRange(pa, n)
	})
}

// SyncCache synchronizes instruction and data caches for the committed pages
// in the given byte range.
func (o *VmObject) SyncCache(offset, length uint64) error {
	return o.cacheOp(offset, length, func(c archmmu.CacheOps, pa memarch.Paddr, n uint64) {
		c.SyncRange(pa, n)
	})
}

func (o *VmObject) cacheOp(offset, length uint64, op func(c archmmu.CacheOps, pa memarch.Paddr, n uint64)) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	end := offset + length
	if end < offset || end > o.size {
		return vmerr.ErrOutOfRange
	}
	if o.cache == nil || length == 0 {
		return nil
	}
	rng := memarch.Range{Start: memarch.PageRoundDown(offset), End: end}
	o.pages.forRange(memarch.Range{Start: rng.Start, End: o.size}, func(e *pageEntry) bool {
		if e.off >= end {
			return false
		}
		// Clamp the byte range to this page.
		start := max(offset, e.off)
		stop := min(end, e.off+memarch.PageSize)
		op(o.cache, e.paddr+memarch.Paddr(start-e.off), stop-start)
		return true
	})
	return nil
}

// getPageLocked implements GetPage.
//
// Preconditions: o.lock is held. offset is page-aligned.
func (o *VmObject) getPageLocked(offset uint64, access memarch.AccessType) (memarch.Paddr, bool, error) {
	if checkInvariants && !memarch.IsPageAligned(offset) {
		panic(fmt.Sprintf("unaligned GetPage at %#x", offset))
	}
	if offset >= o.size {
		return memarch.PaddrInvalid, false, vmerr.ErrOutOfRange
	}
	if access.Write {
		if o.kind == vmoROData {
			return memarch.PaddrInvalid, false, vmerr.ErrAccessDenied
		}
		e, err := o.pageForWriteLocked(offset)
		if err != nil {
			return memarch.PaddrInvalid, false, err
		}
		return e.paddr, true, nil
	}
	// Read fault: a privately owned page maps at full permission.
	if e := o.pages.lookup(offset); e != nil {
		return e.paddr, o.kind != vmoROData, nil
	}
	// Otherwise serve directly from an ancestor's page, read-only, so a
	// subsequent write still faults and copies.
	if pa, ok := o.parentVisiblePageLocked(offset); ok {
		return pa, false, nil
	}
	// Hole: commit a zero-filled page. A page committed in a clone masks
	// later ancestor writes, which is exactly the snapshot content (zero).
	e, err := o.commitPageLocked(offset)
	if err != nil {
		return memarch.PaddrInvalid, false, err
	}
	return e.paddr, o.kind != vmoROData, nil
}

// pageForWriteLocked returns the privately owned page at off, making a COW
// copy if needed, with clone snapshots preserved: before the caller mutates
// the returned page, every child lacking a private copy of the affected
// offset receives one.
//
// Preconditions: o.lock is held. off is page-aligned and < o.size. o is
// writable.
func (o *VmObject) pageForWriteLocked(off uint64) (*pageEntry, error) {
	if err := o.snapshotChildrenLocked(off); err != nil {
		return nil, err
	}
	return o.commitPageLocked(off)
}

// commitPageLocked returns the page at off, allocating it if absent. A
// freshly allocated page is filled with the content currently visible at
// off (ancestor content, or zeroes for a hole), and all mappings that could
// translate off to a stale frame are invalidated before return.
//
// Preconditions: o.lock is held. off is page-aligned and < o.size.
func (o *VmObject) commitPageLocked(off uint64) (*pageEntry, error) {
	if e := o.pages.lookup(off); e != nil {
		return e, nil
	}
	pa, err := o.alloc.AllocPage()
	if err != nil {
		return nil, err
	}
	if src, ok := o.parentVisiblePageLocked(off); ok {
		copy(o.alloc.Slice(pa, memarch.PageSize), o.alloc.Slice(src, memarch.PageSize))
	}
	e := o.pages.insert(off, pa)
	// Mappings of this object (and of clones without their own copy) may
	// still translate off to the ancestor's frame.
	o.rangeChangeLocked(memarch.Range{Start: off, End: off + memarch.PageSize}, true)
	return e, nil
}

// snapshotChildrenLocked pushes a copy of the content visible at off into
// every direct child that lacks a private page there, preserving the
// children's snapshots across an imminent write to o's page at off.
// Grandchildren read through the children's new copies, so one level
// suffices.
//
// Preconditions: o.lock is held. off is page-aligned.
func (o *VmObject) snapshotChildrenLocked(off uint64) error {
	for _, c := range o.children {
		if off < c.parentOffset || off-c.parentOffset >= c.size {
			continue
		}
		childOff := off - c.parentOffset
		if c.pages.lookup(childOff) != nil {
			continue
		}
		pa, err := c.alloc.AllocPage()
		if err != nil {
			return err
		}
		if src, ok := o.visiblePageLocked(off); ok {
			copy(c.alloc.Slice(pa, memarch.PageSize), o.alloc.Slice(src, memarch.PageSize))
		}
		c.pages.insert(childOff, pa)
		// The child or its descendants may have the old shared frame
		// installed read-only.
		c.rangeChangeFromParentLocked(memarch.Range{Start: childOff, End: childOff + memarch.PageSize})
	}
	return nil
}

// visiblePageLocked returns the frame whose content is visible at off: this
// object's own page, or the nearest ancestor's page underneath the clone
// windows. ok is false for a hole.
//
// Preconditions: o.lock is held (the family lock covers the whole chain).
// off is page-aligned.
func (o *VmObject) visiblePageLocked(off uint64) (memarch.Paddr, bool) {
	if e := o.pages.lookup(off); e != nil {
		return e.paddr, true
	}
	return o.parentVisiblePageLocked(off)
}

// parentVisiblePageLocked is visiblePageLocked starting at o's parent.
func (o *VmObject) parentVisiblePageLocked(off uint64) (memarch.Paddr, bool) {
	cur, curOff := o, off
	for cur.parent != nil {
		curOff += cur.parentOffset
		cur = cur.parent
		// The ancestor may have shrunk since the clone; the uncovered tail
		// is a hole.
		if curOff >= cur.size {
			return memarch.PaddrInvalid, false
		}
		if e := cur.pages.lookup(curOff); e != nil {
			return e.paddr, true
		}
	}
	return memarch.PaddrInvalid, false
}

// rangeChangeLocked invalidates the hardware mappings of rng in this object
// (if self is true) and of the corresponding ranges in all descendants that
// can see through to it. It must complete before the triggering mutation
// returns, so no stale translation survives the call.
//
// Preconditions: o.lock is held. rng is page-aligned.
func (o *VmObject) rangeChangeLocked(rng memarch.Range, self bool) {
	if self {
		for r := range o.mappings {
			r.invalidate(rng)
		}
	}
	for _, c := range o.children {
		window := memarch.Range{Start: c.parentOffset, End: c.parentOffset + c.size}
		isect := rng.Intersect(window)
		if isect.Length() == 0 {
			continue
		}
		// Pages the child owns privately mask the parent's range; the
		// conservative invalidation below only costs a spurious refault.
		c.rangeChangeFromParentLocked(memarch.Range{
			Start: isect.Start - c.parentOffset,
			End:   isect.End - c.parentOffset,
		})
	}
}

// rangeChangeFromParentLocked propagates a parent content change at rng (in
// this object's offset space) down the COW chain, invalidating every mapping
// that may have translated the range through the parent.
//
// Preconditions: o.lock is held. rng is page-aligned.
func (o *VmObject) rangeChangeFromParentLocked(rng memarch.Range) {
	o.rangeChangeLocked(rng, true)
}

// addMapping registers a region mapping this object. The region holds a
// reference on o for its lifetime.
func (o *VmObject) addMapping(r *VmRegion) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.destroyed {
		panic("mapping a destroyed VmObject")
	}
	o.mappings[r] = struct{}{}
}

// removeMapping deregisters a region.
func (o *VmObject) removeMapping(r *VmRegion) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if _, ok := o.mappings[r]; !ok {
		panic("removeMapping of unregistered region")
	}
	delete(o.mappings, r)
}

// pageRangeLocked validates and page-aligns [offset, offset+length) against
// the object's current size.
//
// Preconditions: o.lock is held.
func (o *VmObject) pageRangeLocked(offset, length uint64) (memarch.Range, error) {
	if o.destroyed {
		panic("operation on destroyed VmObject")
	}
	end, ok := memarch.PageRoundUp(offset + length)
	if offset+length < offset || !ok || end > o.size {
		return memarch.Range{}, vmerr.ErrOutOfRange
	}
	return memarch.Range{Start: memarch.PageRoundDown(offset), End: end}, nil
}

// capLocked clamps a byte access at offset of the given length to the
// object's size, reporting whether it was truncated.
//
// Preconditions: o.lock is held.
func (o *VmObject) capLocked(offset uint64, length int) (int, bool) {
	if o.destroyed {
		panic("operation on destroyed VmObject")
	}
	if offset >= o.size {
		return 0, length != 0
	}
	if rem := o.size - offset; uint64(length) > rem {
		return int(rem), true
	}
	return length, false
}
