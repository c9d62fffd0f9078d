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

	"vmkit.dev/vmkit/pkg/memarch"
)

// VmRegion binds a sub-range of one VmObject into one VmAspace's virtual
// window. A region is owned by exactly one aspace; it has no lock of its
// own, its mutable state being guarded by the owning aspace's mu.
type VmRegion struct {
	// aspace is the owning address space. Immutable.
	aspace *VmAspace

	// name is a debug label. Immutable.
	name string

	// base and size delimit the mapped virtual range. Both are page-aligned
	// and immutable after insertion.
	base memarch.Vaddr
	size uint64

	// vmo is the backing object, on which the region holds a reference, and
	// vmoOffset the object offset corresponding to base. vmo is nil for
	// reservation regions, which never resolve faults. Immutable.
	vmo       *VmObject
	vmoOffset uint64

	// phys is the base of a direct physical mapping, for regions created by
	// AllocPhysical. hasPhys distinguishes it from a zero Paddr. Immutable.
	phys    memarch.Paddr
	hasPhys bool

	// perms is the region's declared protection. Guarded by aspace.mu.
	perms memarch.AccessType
}

// Name returns the region's debug label.
func (r *VmRegion) Name() string { return r.name }

// Base returns the region's base virtual address.
func (r *VmRegion) Base() memarch.Vaddr { return r.base }

// Size returns the region's length in bytes.
func (r *VmRegion) Size() uint64 { return r.size }

// Range returns the virtual range [base, base+size).
func (r *VmRegion) Range() memarch.AddrRange {
	return memarch.AddrRange{Start: r.base, End: r.base + memarch.Vaddr(r.size)}
}

// Object returns the backing object, or nil for reservation and physical
// regions.
func (r *VmRegion) Object() *VmObject { return r.vmo }

// ObjectOffset returns the object offset mapped at the region's base.
func (r *VmRegion) ObjectOffset() uint64 { return r.vmoOffset }

// objectRange returns the object offsets the region maps.
func (r *VmRegion) objectRange() memarch.Range {
	return memarch.Range{Start: r.vmoOffset, End: r.vmoOffset + r.size}
}

// invalidate removes the hardware translations for the intersection of
// objRng (in the backing object's offset space) with the region's window.
// It takes only the owning aspace's archMu, so it is safe to call with the
// object lock held from any VmObject mutation path.
//
// Preconditions: objRng is page-aligned.
func (r *VmRegion) invalidate(objRng memarch.Range) {
	isect := objRng.Intersect(r.objectRange())
	if isect.Length() == 0 {
		return
	}
	va := r.base + memarch.Vaddr(isect.Start-r.vmoOffset)
	as := r.aspace
	as.archMu.Lock()
	defer as.archMu.Unlock()
	if err := as.arch.UnmapRange(va, isect.Length()); err != nil {
		panic(fmt.Sprintf("failed to invalidate %v in aspace %q: %v", isect, as.name, err))
	}
}

// unmapAllLocked removes every hardware translation covering the region.
// Called on region teardown, before the object reference is released.
//
// Preconditions: r.aspace.mu is locked.
func (r *VmRegion) unmapAllLocked() {
	as := r.aspace
	as.archMu.Lock()
	defer as.archMu.Unlock()
	if err := as.arch.UnmapRange(r.base, r.size); err != nil {
		panic(fmt.Sprintf("failed to unmap region %q: %v", r.name, err))
	}
}
