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
	"testing"

	"vmkit.dev/vmkit/pkg/memarch"
	"vmkit.dev/vmkit/pkg/vmerr"
)

const page = memarch.PageSize

// testAlloc is an in-process frame allocator with the same free/waste/reclaim
// accounting as pmm.Arena, plus knobs for forcing allocation failure.
type testAlloc struct {
	mu     sync.Mutex
	frames map[memarch.Paddr]*[page]byte
	next   uint64

	// limitPages caps live+waste frames when non-zero, as a capacity cap
	// does in the real arena.
	limitPages uint64
	wastePages uint64

	// failAllocs fails the next N page allocations outright.
	failAllocs int

	reclaims int
}

func newTestAlloc() *testAlloc {
	return &testAlloc{
		frames: make(map[memarch.Paddr]*[page]byte),
		next:   page,
	}
}

func (a *testAlloc) AllocPage() (memarch.Paddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAllocs > 0 {
		a.failAllocs--
		return memarch.PaddrInvalid, vmerr.ErrNoMemory
	}
	if a.limitPages != 0 && uint64(len(a.frames))+a.wastePages >= a.limitPages {
		return memarch.PaddrInvalid, vmerr.ErrNoMemory
	}
	pa := memarch.Paddr(a.next)
	a.next += page
	a.frames[pa] = new([page]byte)
	return pa, nil
}

func (a *testAlloc) FreePage(pa memarch.Paddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.frames[pa]; !ok {
		panic(fmt.Sprintf("FreePage of unallocated frame %#x", uint64(pa)))
	}
	delete(a.frames, pa)
	a.wastePages++
}

func (a *testAlloc) AllocContiguous(count, align uint64) (memarch.Paddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limitPages != 0 && uint64(len(a.frames))+a.wastePages+count > a.limitPages {
		return memarch.PaddrInvalid, vmerr.ErrNoResources
	}
	base := a.next
	if align > page {
		base = (base + align - 1) &^ (align - 1)
	}
	for i := uint64(0); i < count; i++ {
		a.frames[memarch.Paddr(base+i*page)] = new([page]byte)
	}
	a.next = base + count*page
	return memarch.Paddr(base), nil
}

func (a *testAlloc) Slice(pa memarch.Paddr, length uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := memarch.Paddr(memarch.PageRoundDown(uint64(pa)))
	f, ok := a.frames[base]
	if !ok {
		panic(fmt.Sprintf("Slice of unallocated frame %#x", uint64(pa)))
	}
	off := uint64(pa) - uint64(base)
	return f[off : off+length]
}

// Reclaim implements the fault path's reclaimer hook.
func (a *testAlloc) Reclaim() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reclaims++
	n := a.wastePages * page
	a.wastePages = 0
	return n
}

// live returns the number of frames currently allocated, for conservation
// checks.
func (a *testAlloc) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

func mustCreate(t *testing.T, alloc *testAlloc, size uint64, name string) *VmObject {
	t.Helper()
	o, err := Create(alloc, size, CreateOpts{Name: name})
	if err != nil {
		t.Fatalf("Create(%q, %#x): got %v, wanted nil", name, size, err)
	}
	return o
}

func mustClone(t *testing.T, o *VmObject, offset, size uint64, name string) *VmObject {
	t.Helper()
	c, err := o.CloneCOW(offset, size, name)
	if err != nil {
		t.Fatalf("CloneCOW(%q, %#x, %#x): got %v, wanted nil", name, offset, size, err)
	}
	return c
}

// fill writes n copies of b at offset.
func fill(t *testing.T, o *VmObject, offset uint64, n int, b byte) {
	t.Helper()
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	if got, err := o.Write(buf, offset); got != n || err != nil {
		t.Fatalf("Write(%q, %#x, %d bytes): got (%d, %v), wanted (%d, nil)", o.Name(), offset, n, got, err, n)
	}
}

// readByte returns the byte at offset.
func readByte(t *testing.T, o *VmObject, offset uint64) byte {
	t.Helper()
	var buf [1]byte
	if got, err := o.Read(buf[:], offset); got != 1 || err != nil {
		t.Fatalf("Read(%q, %#x): got (%d, %v), wanted (1, nil)", o.Name(), offset, got, err)
	}
	return buf[0]
}

// expectByte fails the test if the byte at offset is not want.
func expectByte(t *testing.T, o *VmObject, offset uint64, want byte) {
	t.Helper()
	if got := readByte(t, o, offset); got != want {
		t.Errorf("%q byte at %#x: got %#x, wanted %#x", o.Name(), offset, got, want)
	}
}
