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

// Package memarch defines the architecture-neutral address and access types
// shared by the VM subsystem.
package memarch

// Page size constants. The VM core only supports a single base page size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// MaxVmoSize is the maximum byte size of a memory object: one page short of
// the full 64-bit offset space, so that offset+PageSize never overflows for
// any in-range page.
const MaxVmoSize = ^uint64(0) - PageSize + 1

// Vaddr represents a virtual address.
type Vaddr uint64

// Paddr represents a physical address, an opaque handle minted by the page
// frame allocator.
type Paddr uint64

// PaddrInvalid is the sentinel returned by lookups that find no frame.
const PaddrInvalid = Paddr(^uint64(0))

// VaddrInvalid is the sentinel returned by failed address-space searches.
const VaddrInvalid = Vaddr(^uint64(0))

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Vaddr) RoundDown() Vaddr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Vaddr) RoundUp() (addr Vaddr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is a multiple of the page size.
func (v Vaddr) IsPageAligned() bool {
	return v&PageMask == 0
}

// AddLength returns v + length. ok is true iff the sum did not wrap.
func (v Vaddr) AddLength(length uint64) (end Vaddr, ok bool) {
	end = v + Vaddr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length). ok is true iff the end did not wrap.
func (v Vaddr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageRoundDown returns the offset rounded down to the nearest page boundary.
func PageRoundDown(off uint64) uint64 {
	return off &^ PageMask
}

// PageRoundUp returns the offset rounded up to the nearest page boundary. ok
// is true iff rounding up did not wrap around.
func PageRoundUp(off uint64) (uint64, bool) {
	r := (off + PageMask) &^ uint64(PageMask)
	return r, r >= off
}

// IsPageAligned returns true if off is a multiple of the page size.
func IsPageAligned(off uint64) bool {
	return off&PageMask == 0
}
