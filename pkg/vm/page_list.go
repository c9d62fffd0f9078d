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

	"github.com/google/btree"

	"vmkit.dev/vmkit/pkg/memarch"
)

// pageEntry is one resident page of a VmObject.
type pageEntry struct {
	// off is the page-aligned object offset. off is immutable.
	off uint64

	// paddr is the owned frame backing [off, off+PageSize).
	paddr memarch.Paddr

	// pins is the number of outstanding Pin operations covering this page.
	// A pinned page may not be decommitted or released by resize.
	pins uint32
}

// pageList is a sparse mapping from page-aligned object offsets to owned
// frames. Entries exist only for pages the object owns directly; pages
// inherited from a COW parent are found by walking the parent chain.
//
// All pageList methods must be called with the owning VmObject's lock held.
type pageList struct {
	pages *btree.BTreeG[*pageEntry]
}

func newPageList() pageList {
	return pageList{
		pages: btree.NewG(16, func(a, b *pageEntry) bool { return a.off < b.off }),
	}
}

// lookup returns the entry for the page at off, or nil if the page is not
// resident.
//
// Preconditions: off is page-aligned.
func (pl *pageList) lookup(off uint64) *pageEntry {
	if checkInvariants && !memarch.IsPageAligned(off) {
		panic(fmt.Sprintf("unaligned page lookup at %#x", off))
	}
	e, ok := pl.pages.Get(&pageEntry{off: off})
	if !ok {
		return nil
	}
	return e
}

// insert adds an entry mapping off to paddr. The page must not already be
// resident.
//
// Preconditions: off is page-aligned.
func (pl *pageList) insert(off uint64, paddr memarch.Paddr) *pageEntry {
	e := &pageEntry{off: off, paddr: paddr}
	if _, dup := pl.pages.ReplaceOrInsert(e); dup {
		panic(fmt.Sprintf("duplicate page at offset %#x", off))
	}
	return e
}

// remove deletes and returns the entry for the page at off, or nil if the
// page is not resident.
func (pl *pageList) remove(off uint64) *pageEntry {
	e, ok := pl.pages.Delete(&pageEntry{off: off})
	if !ok {
		return nil
	}
	return e
}

// forRange invokes fn on each resident page with offset in rng, in
// increasing offset order, until fn returns false.
//
// Preconditions: rng is page-aligned.
func (pl *pageList) forRange(rng memarch.Range, fn func(e *pageEntry) bool) {
	pl.pages.AscendRange(&pageEntry{off: rng.Start}, &pageEntry{off: rng.End}, func(e *pageEntry) bool {
		return fn(e)
	})
}

// removeRange deletes every resident page with offset in rng, invoking free
// on each removed entry.
//
// Preconditions: rng is page-aligned. No page in rng is pinned.
func (pl *pageList) removeRange(rng memarch.Range, free func(e *pageEntry)) {
	var victims []*pageEntry
	pl.forRange(rng, func(e *pageEntry) bool {
		if checkInvariants && e.pins != 0 {
			panic(fmt.Sprintf("removing pinned page at offset %#x (%d pins)", e.off, e.pins))
		}
		victims = append(victims, e)
		return true
	})
	for _, e := range victims {
		pl.pages.Delete(e)
		free(e)
	}
}

// anyPinned returns true if any resident page in rng has a non-zero pin
// count.
func (pl *pageList) anyPinned(rng memarch.Range) bool {
	pinned := false
	pl.forRange(rng, func(e *pageEntry) bool {
		if e.pins != 0 {
			pinned = true
			return false
		}
		return true
	})
	return pinned
}

// resident returns the number of resident pages.
func (pl *pageList) resident() uint64 {
	return uint64(pl.pages.Len())
}

// residentIn returns the number of resident pages with offset in rng.
func (pl *pageList) residentIn(rng memarch.Range) uint64 {
	var n uint64
	pl.forRange(rng, func(*pageEntry) bool {
		n++
		return true
	})
	return n
}
