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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vmkit.dev/vmkit/pkg/memarch"
	"vmkit.dev/vmkit/pkg/vmerr"
)

const page = memarch.PageSize

func testArena(t *testing.T, opts AllocatorOpts) *Arena {
	t.Helper()
	a, err := NewArena(opts)
	if err != nil {
		t.Fatalf("NewArena(%+v): got %v, wanted nil", opts, err)
	}
	t.Cleanup(a.Destroy)
	return a
}

func TestAllocFreeReuse(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	pa, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	a.FreePage(pa)
	if got := a.Reclaim(); got != page {
		t.Fatalf("Reclaim: got %#x bytes, wanted %#x", got, page)
	}
	pa2, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage after reclaim: got %v, wanted nil", err)
	}
	if pa2 != pa {
		t.Errorf("AllocPage after reclaim: got frame %#x, wanted reused frame %#x", uint64(pa2), uint64(pa))
	}
}

func TestFreedFrameNotReusedBeforeReclaim(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	pa, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	a.FreePage(pa)
	pa2, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	if pa2 == pa {
		t.Errorf("AllocPage: got waste frame %#x without an intervening Reclaim", uint64(pa))
	}
}

func TestSliceRoundTrip(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	pa, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	s := a.Slice(pa, page)
	for i := range s {
		s[i] = byte(i)
	}
	got := a.Slice(pa+1, 4)
	want := []byte{1, 2, 3, 4}
	if !cmp.Equal(got, want) {
		t.Errorf("Slice(pa+1, 4): got %v, wanted %v", got, want)
	}
}

func TestFreshFrameIsZeroed(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	pa, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	s := a.Slice(pa, page)
	for i := range s {
		s[i] = 0xaa
	}
	a.FreePage(pa)
	a.Reclaim()
	pa2, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	if pa2 != pa {
		t.Fatalf("AllocPage: got frame %#x, wanted reclaimed frame %#x", uint64(pa2), uint64(pa))
	}
	for i, b := range a.Slice(pa2, page) {
		if b != 0 {
			t.Fatalf("reclaimed frame byte %d: got %#x, wanted 0", i, b)
		}
	}
}

func TestMaxBytes(t *testing.T) {
	a := testArena(t, AllocatorOpts{MaxBytes: 2 * page})
	var frames []memarch.Paddr
	for i := 0; i < 2; i++ {
		pa, err := a.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage %d: got %v, wanted nil", i, err)
		}
		frames = append(frames, pa)
	}
	if _, err := a.AllocPage(); !errors.Is(err, vmerr.ErrNoMemory) {
		t.Fatalf("AllocPage over cap: got %v, wanted %v", err, vmerr.ErrNoMemory)
	}
	// Freeing alone does not make capacity allocatable again.
	a.FreePage(frames[0])
	if _, err := a.AllocPage(); !errors.Is(err, vmerr.ErrNoMemory) {
		t.Fatalf("AllocPage with waste only: got %v, wanted %v", err, vmerr.ErrNoMemory)
	}
	a.Reclaim()
	if _, err := a.AllocPage(); err != nil {
		t.Fatalf("AllocPage after reclaim: got %v, wanted nil", err)
	}
}

func TestAllocContiguous(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	base, err := a.AllocContiguous(4, 4*page)
	if err != nil {
		t.Fatalf("AllocContiguous(4, %#x): got %v, wanted nil", 4*page, err)
	}
	if uint64(base)%(4*page) != 0 {
		t.Errorf("AllocContiguous base %#x: wanted %#x alignment", uint64(base), 4*page)
	}
	// The run is 4 distinct consecutive frames.
	for i := uint64(0); i < 4; i++ {
		s := a.Slice(base+memarch.Paddr(i*page), page)
		s[0] = byte(i + 1)
	}
	for i := uint64(0); i < 4; i++ {
		if got := a.Slice(base+memarch.Paddr(i*page), 1)[0]; got != byte(i+1) {
			t.Errorf("frame %d first byte: got %#x, wanted %#x", i, got, byte(i+1))
		}
	}
}

func TestAllocContiguousErrors(t *testing.T) {
	a := testArena(t, AllocatorOpts{MaxBytes: 4 * page})
	if _, err := a.AllocContiguous(0, 0); !errors.Is(err, vmerr.ErrInvalidArgs) {
		t.Errorf("AllocContiguous(0, 0): got %v, wanted %v", err, vmerr.ErrInvalidArgs)
	}
	if _, err := a.AllocContiguous(1, 3*page); !errors.Is(err, vmerr.ErrInvalidArgs) {
		t.Errorf("AllocContiguous with non-power-of-two alignment: got %v, wanted %v", err, vmerr.ErrInvalidArgs)
	}
	if _, err := a.AllocContiguous(8, 0); !errors.Is(err, vmerr.ErrNoResources) {
		t.Errorf("AllocContiguous over cap: got %v, wanted %v", err, vmerr.ErrNoResources)
	}
}

func TestUsageAccounting(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	pa1, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	if _, err := a.AllocPage(); err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	a.FreePage(pa1)
	got := a.Usage()
	want := Usage{TotalBytes: 2 * page, UsedBytes: page, WasteBytes: page}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Usage mismatch (-want +got):\n%s", diff)
	}
	a.Reclaim()
	got = a.Usage()
	want = Usage{TotalBytes: 2 * page, UsedBytes: page, WasteBytes: 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Usage after reclaim mismatch (-want +got):\n%s", diff)
	}
}

func TestSlicePanicsAcrossPages(t *testing.T) {
	a := testArena(t, AllocatorOpts{})
	pa, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: got %v, wanted nil", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Slice spanning a page boundary: got success, wanted panic")
		}
	}()
	a.Slice(pa+1, page)
}
