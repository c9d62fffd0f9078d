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
	"testing"

	"github.com/google/go-cmp/cmp"

	"vmkit.dev/vmkit/pkg/memarch"
)

func TestPageListLookup(t *testing.T) {
	pl := newPageList()
	if got := pl.lookup(0); got != nil {
		t.Errorf("lookup in empty list: got %+v, wanted nil", got)
	}
	pl.insert(page, 0x1000)
	pl.insert(3*page, 0x2000)
	if e := pl.lookup(page); e == nil || e.paddr != 0x1000 {
		t.Errorf("lookup(page): got %+v, wanted frame 0x1000", e)
	}
	if e := pl.lookup(2 * page); e != nil {
		t.Errorf("lookup of hole: got %+v, wanted nil", e)
	}
	if got := pl.resident(); got != 2 {
		t.Errorf("resident: got %d, wanted 2", got)
	}
	if e := pl.remove(page); e == nil || e.paddr != 0x1000 {
		t.Errorf("remove(page): got %+v, wanted frame 0x1000", e)
	}
	if e := pl.remove(page); e != nil {
		t.Errorf("second remove: got %+v, wanted nil", e)
	}
}

func TestPageListForRangeOrder(t *testing.T) {
	pl := newPageList()
	for _, off := range []uint64{5 * page, page, 3 * page, 0} {
		pl.insert(off, memarch.Paddr(off))
	}
	var got []uint64
	pl.forRange(memarch.Range{Start: page, End: 5 * page}, func(e *pageEntry) bool {
		got = append(got, e.off)
		return true
	})
	if want := []uint64{page, 3 * page}; !cmp.Equal(got, want) {
		t.Errorf("forRange: got %v, wanted %v", got, want)
	}
	if got := pl.residentIn(memarch.Range{Start: 0, End: 6 * page}); got != 4 {
		t.Errorf("residentIn: got %d, wanted 4", got)
	}
}

func TestPageListRemoveRange(t *testing.T) {
	pl := newPageList()
	for i := uint64(0); i < 4; i++ {
		pl.insert(i*page, memarch.Paddr(i*page))
	}
	var freed []uint64
	pl.removeRange(memarch.Range{Start: page, End: 3 * page}, func(e *pageEntry) {
		freed = append(freed, e.off)
	})
	if want := []uint64{page, 2 * page}; !cmp.Equal(freed, want) {
		t.Errorf("removeRange freed: got %v, wanted %v", freed, want)
	}
	if got := pl.resident(); got != 2 {
		t.Errorf("resident after removeRange: got %d, wanted 2", got)
	}
}

func TestPageListPins(t *testing.T) {
	pl := newPageList()
	e := pl.insert(page, 0x1000)
	pl.insert(2*page, 0x2000)
	e.pins++
	all := memarch.Range{Start: 0, End: 4 * page}
	if !pl.anyPinned(all) {
		t.Errorf("anyPinned: got false, wanted true")
	}
	if pl.anyPinned(memarch.Range{Start: 2 * page, End: 4 * page}) {
		t.Errorf("anyPinned outside pin: got true, wanted false")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("removeRange over pin: got success, wanted panic")
			}
		}()
		pl.removeRange(all, func(*pageEntry) {})
	}()
	e.pins--
	if pl.anyPinned(all) {
		t.Errorf("anyPinned after unpin: got true, wanted false")
	}
}
