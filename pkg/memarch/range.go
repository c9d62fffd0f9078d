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

package memarch

import "fmt"

// AddrRange is a range of virtual addresses, [Start, End).
type AddrRange struct {
	Start Vaddr
	End   Vaddr
}

// WellFormed returns true if ar.Start <= ar.End. All other methods on
// AddrRange require that ar is well-formed.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if ar contains v.
func (ar AddrRange) Contains(v Vaddr) bool {
	return ar.Start <= v && v < ar.End
}

// IsSupersetOf returns true if ar contains every address in other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// Overlaps returns true if ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// Intersect returns the intersection of ar and other.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.Start > ar.End {
		ar.Start = ar.End
	}
	return ar
}

// IsPageAligned returns true if both endpoints are page-aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(ar.Start), uint64(ar.End))
}

// Range is a range of byte offsets into a memory object, [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if r.Start <= r.End. All other methods on Range
// require that r is well-formed.
func (r Range) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// Contains returns true if r contains off.
func (r Range) Contains(off uint64) bool {
	return r.Start <= off && off < r.End
}

// IsSupersetOf returns true if r contains every offset in other.
func (r Range) IsSupersetOf(other Range) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// Overlaps returns true if r and other share at least one offset.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Intersect returns the intersection of r and other.
func (r Range) Intersect(other Range) Range {
	if r.Start < other.Start {
		r.Start = other.Start
	}
	if r.End > other.End {
		r.End = other.End
	}
	if r.Start > r.End {
		r.Start = r.End
	}
	return r
}

// IsPageAligned returns true if both endpoints are page-aligned.
func (r Range) IsPageAligned() bool {
	return IsPageAligned(r.Start) && IsPageAligned(r.End)
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
