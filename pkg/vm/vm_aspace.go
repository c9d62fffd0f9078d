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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"vmkit.dev/vmkit/pkg/archmmu"
	"vmkit.dev/vmkit/pkg/memarch"
	"vmkit.dev/vmkit/pkg/pmm"
	"vmkit.dev/vmkit/pkg/vmerr"
)

// AspaceType selects the virtual window an address space manages.
type AspaceType uint8

const (
	// AspaceUser is a user process address space.
	AspaceUser AspaceType = iota

	// AspaceKernel is the kernel's own address space.
	AspaceKernel

	// AspaceLowKernel is the low identity-mapped window used during early
	// boot.
	AspaceLowKernel
)

// Virtual windows by aspace type.
const (
	userAspaceBase = memarch.Vaddr(1) << 24
	userAspaceSize = (uint64(1) << 47) - (uint64(1) << 24)

	// The kernel window is one page short of the top of the canonical
	// address space so its exclusive end never wraps to zero.
	kernelAspaceBase = memarch.Vaddr(0xffffff8000000000)
	kernelAspaceSize = (uint64(1) << 39) - memarch.PageSize

	lowKernelAspaceBase = memarch.Vaddr(0)
	lowKernelAspaceSize = uint64(1) << 32
)

// aspaceState tracks the VmAspace lifecycle.
type aspaceState uint8

const (
	aspaceUninitialized aspaceState = iota
	aspaceActive
	aspaceDestroyed
)

// faultOOMRetries is the number of times the fault path retries page
// resolution after reclaiming allocator waste.
const faultOOMRetries = 1

// reclaimer is implemented by allocators that can recycle freed-but-unzeroed
// frames on demand; see pmm.Arena.Reclaim.
type reclaimer interface {
	Reclaim() uint64
}

// VmAspace owns an ordered collection of non-overlapping regions within a
// virtual window, backed by one hardware translation context.
//
// mu guards the region collection and the lifecycle state. archMu guards
// mutation of the translation context and is a leaf in the lock order, so
// VmObject invalidation paths can take it while holding the object lock.
type VmAspace struct {
	// name is a debug label. Immutable.
	name string

	// typ, base and size describe the managed window. Immutable.
	typ  AspaceType
	base memarch.Vaddr
	size uint64

	// alloc backs objects created by the Alloc* convenience entry points
	// and supplies the reclaim hook for the fault path. Immutable.
	alloc pmm.Allocator

	mu      sync.RWMutex
	state   aspaceState
	regions *btree.BTreeG[*VmRegion]

	archMu sync.Mutex
	arch   archmmu.Context
}

// NewAspace creates an address space of the given type in the Uninitialized
// state. If arch is nil, Init installs a software translation context.
func NewAspace(name string, typ AspaceType, alloc pmm.Allocator, arch archmmu.Context) *VmAspace {
	as := &VmAspace{
		name:    name,
		typ:     typ,
		alloc:   alloc,
		arch:    arch,
		regions: btree.NewG(8, func(a, b *VmRegion) bool { return a.base < b.base }),
	}
	switch typ {
	case AspaceKernel:
		as.base, as.size = kernelAspaceBase, kernelAspaceSize
	case AspaceLowKernel:
		as.base, as.size = lowKernelAspaceBase, lowKernelAspaceSize
	default:
		as.base, as.size = userAspaceBase, userAspaceSize
	}
	return as
}

// Init transitions the aspace from Uninitialized to Active, attaching the
// translation context and registering the aspace globally. On failure the
// aspace remains unusable.
func (as *VmAspace) Init() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.state != aspaceUninitialized {
		panic(fmt.Sprintf("Init of aspace %q in state %d", as.name, as.state))
	}
	if as.arch == nil {
		as.arch = archmmu.NewSoftContext()
	}
	as.state = aspaceActive
	registerAspace(as)
	logrus.Debugf("vm: initialized aspace %q, window [%#x, %#x)", as.name, uint64(as.base), uint64(as.base)+as.size)
	return nil
}

// Destroy transitions the aspace from Active to Destroyed: every region is
// unmapped and freed, the translation context is detached, and the aspace is
// unregistered. Using the aspace afterward is a programming error.
func (as *VmAspace) Destroy() {
	as.mu.Lock()
	if as.state == aspaceDestroyed {
		panic(fmt.Sprintf("aspace %q destroyed twice", as.name))
	}
	var victims []*VmRegion
	as.regions.Ascend(func(r *VmRegion) bool {
		victims = append(victims, r)
		return true
	})
	// Unmap before releasing any object reference.
	for _, r := range victims {
		r.unmapAllLocked()
	}
	as.regions.Clear(false)
	arch := as.arch
	as.state = aspaceDestroyed
	as.mu.Unlock()

	for _, r := range victims {
		if r.vmo != nil {
			r.vmo.removeMapping(r)
			r.vmo.DecRef()
		}
	}
	if arch != nil {
		arch.Destroy()
	}
	unregisterAspace(as)
	logrus.Debugf("vm: destroyed aspace %q", as.name)
}

// Name returns the aspace's debug label.
func (as *VmAspace) Name() string { return as.name }

// Window returns the virtual range the aspace manages.
func (as *VmAspace) Window() memarch.AddrRange {
	return memarch.AddrRange{Start: as.base, End: as.base + memarch.Vaddr(as.size)}
}

// MapObject places a new region of the given size mapping o starting at
// vmoOffset. The region holds a reference on o. With opts.Fixed the region
// is placed exactly at opts.Addr, failing with a no-space kind if the range
// is occupied; otherwise placement is first-fit. With opts.Commit the
// backing pages are committed and mapped eagerly.
func (as *VmAspace) MapObject(o *VmObject, name string, vmoOffset, size uint64, opts MapOpts) (*VmRegion, error) {
	if o == nil {
		return nil, vmerr.ErrInvalidArgs
	}
	r, err := as.insertRegion(o, name, vmoOffset, size, opts)
	if err != nil {
		return nil, err
	}
	if opts.Commit {
		if err := as.populate(r); err != nil {
			as.FreeRegion(r.base)
			return nil, err
		}
	}
	return r, nil
}

// Alloc creates a fresh object of the given size and maps it. The returned
// region's object is reachable via VmRegion.Object.
func (as *VmAspace) Alloc(name string, size uint64, opts MapOpts) (*VmRegion, error) {
	o, err := Create(as.alloc, size, CreateOpts{Name: name})
	if err != nil {
		return nil, err
	}
	r, err := as.MapObject(o, name, 0, size, opts)
	// The region now holds its own reference (or mapping failed); either
	// way the creation reference is dropped.
	o.DecRef()
	return r, err
}

// AllocContiguous is Alloc with physically contiguous, align-aligned
// backing, committed eagerly.
func (as *VmAspace) AllocContiguous(name string, size, align uint64, opts MapOpts) (*VmRegion, error) {
	o, err := Create(as.alloc, size, CreateOpts{Name: name})
	if err != nil {
		return nil, err
	}
	if err := o.CommitRangeContiguous(0, size, align); err != nil {
		o.DecRef()
		return nil, err
	}
	opts.Commit = true
	r, err := as.MapObject(o, name, 0, size, opts)
	o.DecRef()
	return r, err
}

// AllocPhysical maps the physical range [pa, pa+size) directly, with no
// backing object. The translations are installed eagerly; the region never
// resolves faults.
func (as *VmAspace) AllocPhysical(name string, pa memarch.Paddr, size uint64, opts MapOpts) (*VmRegion, error) {
	if !memarch.IsPageAligned(uint64(pa)) {
		return nil, vmerr.ErrInvalidArgs
	}
	// The region carries its physical base from the moment it becomes
	// visible, so a concurrent fault never mistakes it for a reservation.
	r, err := as.insertRegionInner(nil, name, 0, size, opts, pa, true)
	if err != nil {
		return nil, err
	}
	as.archMu.Lock()
	for off := uint64(0); off < r.size; off += memarch.PageSize {
		if err := as.arch.MapPage(r.base+memarch.Vaddr(off), pa+memarch.Paddr(off), r.perms); err != nil {
			as.archMu.Unlock()
			as.FreeRegion(r.base)
			return nil, err
		}
	}
	as.archMu.Unlock()
	return r, nil
}

// ReserveSpace sets aside [addr, addr+size) with no backing object, keeping
// other placements out of the range without committing memory. Faults in a
// reservation report not-found.
func (as *VmAspace) ReserveSpace(name string, addr memarch.Vaddr, size uint64) (*VmRegion, error) {
	return as.insertRegion(nil, name, 0, size, MapOpts{Addr: addr, Fixed: true})
}

// insertRegion validates a placement request, finds or checks the base
// address, and links the new region into the aspace. If o is non-nil, the
// region is registered with and holds a reference on it.
func (as *VmAspace) insertRegion(o *VmObject, name string, vmoOffset, size uint64, opts MapOpts) (*VmRegion, error) {
	return as.insertRegionInner(o, name, vmoOffset, size, opts, 0, false)
}

func (as *VmAspace) insertRegionInner(o *VmObject, name string, vmoOffset, size uint64, opts MapOpts, phys memarch.Paddr, hasPhys bool) (*VmRegion, error) {
	sz, ok := memarch.PageRoundUp(size)
	if !ok || sz == 0 {
		return nil, vmerr.ErrInvalidArgs
	}
	if !memarch.IsPageAligned(vmoOffset) || vmoOffset+sz < vmoOffset {
		return nil, vmerr.ErrInvalidArgs
	}
	align := opts.Align
	if align == 0 {
		align = memarch.PageSize
	}
	if align&(align-1) != 0 || align%memarch.PageSize != 0 {
		return nil, vmerr.ErrInvalidArgs
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.state != aspaceActive {
		return nil, vmerr.ErrBadState
	}
	var base memarch.Vaddr
	if opts.Fixed {
		if !opts.Addr.IsPageAligned() || uint64(opts.Addr)&(align-1) != 0 {
			return nil, vmerr.ErrInvalidArgs
		}
		ar, ok := opts.Addr.ToRange(sz)
		if !ok || !as.Window().IsSupersetOf(ar) {
			return nil, vmerr.ErrInvalidArgs
		}
		if !as.rangeFreeLocked(ar) {
			return nil, fmt.Errorf("fixed range %v occupied: %w", ar, vmerr.ErrNoSpace)
		}
		base = opts.Addr
	} else {
		var err error
		base, err = as.allocSpotLocked(sz, align)
		if err != nil {
			return nil, err
		}
	}
	r := &VmRegion{
		aspace:    as,
		name:      name,
		base:      base,
		size:      sz,
		vmo:       o,
		vmoOffset: vmoOffset,
		phys:      phys,
		hasPhys:   hasPhys,
		perms:     opts.Perms,
	}
	if o != nil {
		o.IncRef()
		o.addMapping(r)
	}
	if _, dup := as.regions.ReplaceOrInsert(r); dup {
		panic(fmt.Sprintf("duplicate region base %#x in aspace %q", uint64(base), as.name))
	}
	return r, nil
}

// FindRegion returns the region containing vaddr, or nil if vaddr falls in a
// gap.
func (as *VmAspace) FindRegion(vaddr memarch.Vaddr) *VmRegion {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.findRegionLocked(vaddr)
}

// FreeRegion removes the region containing vaddr, unmapping its hardware
// translations before releasing its object reference.
func (as *VmAspace) FreeRegion(vaddr memarch.Vaddr) error {
	as.mu.Lock()
	if as.state != aspaceActive {
		as.mu.Unlock()
		return vmerr.ErrBadState
	}
	r := as.findRegionLocked(vaddr)
	if r == nil {
		as.mu.Unlock()
		return vmerr.ErrNotFound
	}
	as.regions.Delete(r)
	r.unmapAllLocked()
	as.mu.Unlock()

	if r.vmo != nil {
		r.vmo.removeMapping(r)
		r.vmo.DecRef()
	}
	return nil
}

// Protect changes the declared protection of [vaddr, vaddr+length), which
// must lie within a single region. Existing translations in the range are
// invalidated before return so the next access faults in with the new
// permissions.
func (as *VmAspace) Protect(vaddr memarch.Vaddr, length uint64, perms memarch.AccessType) error {
	ar, ok := vaddr.ToRange(length)
	if !ok || !ar.IsPageAligned() || ar.Length() == 0 {
		return vmerr.ErrInvalidArgs
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.state != aspaceActive {
		return vmerr.ErrBadState
	}
	r := as.findRegionLocked(ar.Start)
	if r == nil || !r.Range().IsSupersetOf(ar) {
		return vmerr.ErrNotFound
	}
	// Region-granular protection only; splitting regions is the caller's
	// business.
	if ar != r.Range() {
		return vmerr.ErrInvalidArgs
	}
	r.perms = perms
	as.archMu.Lock()
	defer as.archMu.Unlock()
	return as.arch.UnmapRange(ar.Start, ar.Length())
}

// PageFault resolves a fault at vaddr with the given access type: it finds
// the owning region, checks the declared protection against the access,
// resolves the backing page through the object's COW logic, and installs the
// translation. A non-nil return means the fault is not resolvable by the VM
// system; the exception layer decides what that means for the faulting
// context.
//
// The aspace lock is held in read mode for the whole fault (lookup, page
// resolution, installation); see the package comment. An out-of-memory
// failure is retried once after reclaiming allocator waste.
func (as *VmAspace) PageFault(vaddr memarch.Vaddr, access memarch.AccessType) error {
	va := vaddr.RoundDown()
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.state != aspaceActive {
		panic(fmt.Sprintf("page fault in aspace %q in state %d", as.name, as.state))
	}
	r := as.findRegionLocked(va)
	if r == nil {
		return fmt.Errorf("fault at unmapped address %#x: %w", uint64(vaddr), vmerr.ErrNotFound)
	}
	// A fault whose access type the region disallows is rejected, not
	// silently granted.
	if !r.perms.SupersetOf(access) {
		return fmt.Errorf("%v fault at %#x in %v region: %w", access, uint64(vaddr), r.perms, vmerr.ErrAccessDenied)
	}
	if r.hasPhys {
		as.archMu.Lock()
		defer as.archMu.Unlock()
		return as.arch.MapPage(va, r.phys+memarch.Paddr(va-r.base), r.perms)
	}
	if r.vmo == nil {
		// Reservations keep the range occupied but resolve nothing.
		return fmt.Errorf("fault in reservation %q: %w", r.name, vmerr.ErrNotFound)
	}
	off := r.vmoOffset + uint64(va-r.base)

	op := func() error {
		o := r.vmo
		o.lock.Lock()
		pa, writable, err := o.getPageLocked(off, access)
		if err == nil {
			perms := r.perms
			if !writable {
				// Borrowed COW parent frame: keep it read-only so the
				// write fault that triggers the copy still occurs.
				perms.Write = false
			}
			as.archMu.Lock()
			err = as.arch.MapPage(va, pa, perms)
			as.archMu.Unlock()
		}
		o.lock.Unlock()
		if err == nil {
			return nil
		}
		if errors.Is(err, vmerr.ErrNoMemory) {
			if rec, ok := as.alloc.(reclaimer); ok && rec.Reclaim() > 0 {
				logrus.Debugf("vm: fault at %#x retrying after reclaim", uint64(vaddr))
				return err
			}
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, faultOOMRetries)); err != nil {
		return fmt.Errorf("fault at %#x not resolved: %w", uint64(vaddr), err)
	}
	return nil
}

// AllocSpot returns a first-fit base address for a size-byte, align-aligned
// placement, or memarch.VaddrInvalid if no suitable gap exists. The spot is
// not reserved; callers that need the reservation use the Map/Alloc entry
// points, which search under the same lock they insert under.
func (as *VmAspace) AllocSpot(size, align uint64) memarch.Vaddr {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if align == 0 {
		align = memarch.PageSize
	}
	base, err := as.allocSpotLocked(size, align)
	if err != nil {
		return memarch.VaddrInvalid
	}
	return base
}

// Dump returns a human-readable listing of the aspace's regions. It mutates
// nothing.
func (as *VmAspace) Dump() string {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "aspace %q window [%#x, %#x) state %d\n", as.name, uint64(as.base), uint64(as.base)+as.size, as.state)
	as.regions.Ascend(func(r *VmRegion) bool {
		switch {
		case r.hasPhys:
			fmt.Fprintf(&b, "  %v %v %q phys %#x\n", r.Range(), r.perms, r.name, uint64(r.phys))
		case r.vmo == nil:
			fmt.Fprintf(&b, "  %v %v %q reserved\n", r.Range(), r.perms, r.name)
		default:
			fmt.Fprintf(&b, "  %v %v %q object %q+%#x\n", r.Range(), r.perms, r.name, r.vmo.Name(), r.vmoOffset)
		}
		return true
	})
	return b.String()
}

// populate commits and maps every backing page of r, for eager (Commit)
// mappings.
func (as *VmAspace) populate(r *VmRegion) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.state != aspaceActive {
		return vmerr.ErrBadState
	}
	o := r.vmo
	o.lock.Lock()
	defer o.lock.Unlock()
	for off := r.vmoOffset; off < r.vmoOffset+r.size; off += memarch.PageSize {
		if off >= o.size {
			break
		}
		e, err := o.commitPageLocked(off)
		if err != nil {
			return err
		}
		as.archMu.Lock()
		err = as.arch.MapPage(r.base+memarch.Vaddr(off-r.vmoOffset), e.paddr, r.perms)
		as.archMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// findRegionLocked returns the region containing vaddr, or nil.
//
// Preconditions: as.mu is locked.
func (as *VmAspace) findRegionLocked(vaddr memarch.Vaddr) *VmRegion {
	var found *VmRegion
	as.regions.DescendLessOrEqual(&VmRegion{base: vaddr}, func(r *VmRegion) bool {
		found = r
		return false
	})
	if found == nil || !found.Range().Contains(vaddr) {
		return nil
	}
	return found
}

// rangeFreeLocked returns true if no existing region overlaps ar.
//
// Preconditions: as.mu is locked.
func (as *VmAspace) rangeFreeLocked(ar memarch.AddrRange) bool {
	if r := as.findRegionLocked(ar.Start); r != nil {
		return false
	}
	free := true
	as.regions.AscendGreaterOrEqual(&VmRegion{base: ar.Start}, func(r *VmRegion) bool {
		free = r.base >= ar.End
		return false
	})
	return free
}

// allocSpotLocked searches first-fit through the gaps between regions for a
// size-byte placement aligned to align.
//
// Preconditions: as.mu is locked. size and align are validated.
func (as *VmAspace) allocSpotLocked(size, align uint64) (memarch.Vaddr, error) {
	alignUp := func(va memarch.Vaddr) memarch.Vaddr {
		return memarch.Vaddr((uint64(va) + align - 1) &^ (align - 1))
	}
	candidate := alignUp(as.base)
	var spot memarch.Vaddr
	found := false
	as.regions.Ascend(func(r *VmRegion) bool {
		// candidate+size can wrap for huge sizes; a wrapped end compares below
		// r.base and would land the spot on top of an existing region.
		if end := candidate + memarch.Vaddr(size); end > candidate && end <= r.base && candidate >= as.base {
			spot, found = candidate, true
			return false
		}
		candidate = alignUp(r.base + memarch.Vaddr(r.size))
		return true
	})
	if !found {
		end := as.base + memarch.Vaddr(as.size)
		if candidate >= as.base && candidate+memarch.Vaddr(size) <= end && candidate+memarch.Vaddr(size) > candidate {
			spot, found = candidate, true
		}
	}
	if !found {
		return memarch.VaddrInvalid, fmt.Errorf("no gap for %#x bytes aligned %#x: %w", size, align, vmerr.ErrNoSpace)
	}
	return spot, nil
}
