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

package archmmu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"vmkit.dev/vmkit/pkg/memarch"
)

// softPTE is one entry in a SoftContext's page table.
type softPTE struct {
	va    memarch.Vaddr
	pa    memarch.Paddr
	perms memarch.AccessType
}

// SoftContext is a software page table implementing Context. It stands in
// for a hardware translation context, keeping translations in a btree keyed
// by virtual page so range unmaps stay logarithmic.
type SoftContext struct {
	mu        sync.Mutex
	ptes      *btree.BTreeG[softPTE]
	destroyed bool

	// Mapped/unmapped page counters, readable without mu for test
	// observability of invalidate-before-return.
	maps   atomic.Uint64
	unmaps atomic.Uint64
}

// NewSoftContext returns an empty translation context.
func NewSoftContext() *SoftContext {
	return &SoftContext{
		ptes: btree.NewG(8, func(a, b softPTE) bool { return a.va < b.va }),
	}
}

// MapPage implements Context.MapPage.
func (c *SoftContext) MapPage(va memarch.Vaddr, pa memarch.Paddr, perms memarch.AccessType) error {
	if !va.IsPageAligned() || !memarch.IsPageAligned(uint64(pa)) {
		panic(fmt.Sprintf("MapPage(%#x, %#x): unaligned", uint64(va), uint64(pa)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		panic("MapPage on destroyed SoftContext")
	}
	c.ptes.ReplaceOrInsert(softPTE{va: va, pa: pa, perms: perms})
	c.maps.Add(1)
	return nil
}

// UnmapRange implements Context.UnmapRange.
func (c *SoftContext) UnmapRange(va memarch.Vaddr, length uint64) error {
	if !va.IsPageAligned() || !memarch.IsPageAligned(length) {
		panic(fmt.Sprintf("UnmapRange(%#x, %#x): unaligned", uint64(va), length))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		panic("UnmapRange on destroyed SoftContext")
	}
	end, ok := va.AddLength(length)
	if !ok {
		end = memarch.VaddrInvalid
	}
	var victims []memarch.Vaddr
	c.ptes.AscendRange(softPTE{va: va}, softPTE{va: end}, func(pte softPTE) bool {
		victims = append(victims, pte.va)
		return true
	})
	for _, v := range victims {
		c.ptes.Delete(softPTE{va: v})
	}
	c.unmaps.Add(uint64(len(victims)))
	return nil
}

// QueryPage implements Context.QueryPage.
func (c *SoftContext) QueryPage(va memarch.Vaddr) (memarch.Paddr, memarch.AccessType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pte, ok := c.ptes.Get(softPTE{va: va.RoundDown()})
	if !ok {
		return memarch.PaddrInvalid, memarch.NoAccess, false
	}
	return pte.pa, pte.perms, true
}

// Destroy implements Context.Destroy.
func (c *SoftContext) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		panic("SoftContext destroyed twice")
	}
	c.destroyed = true
	c.ptes.Clear(false)
}

// Mapped returns the number of pages c currently translates.
func (c *SoftContext) Mapped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptes.Len()
}

// MapCount returns the total number of MapPage calls.
func (c *SoftContext) MapCount() uint64 { return c.maps.Load() }

// UnmapCount returns the total number of pages unmapped.
func (c *SoftContext) UnmapCount() uint64 { return c.unmaps.Load() }

// SoftCacheOps is a CacheOps that only counts invocations. The frame arena
// is backed by coherent host memory, so no maintenance is actually needed.
type SoftCacheOps struct {
	Cleans           atomic.Uint64
	Invalidates      atomic.Uint64
	CleanInvalidates atomic.Uint64
	Syncs            atomic.Uint64
}

// CleanRange implements CacheOps.CleanRange.
func (c *SoftCacheOps) CleanRange(pa memarch.Paddr, length uint64) { c.Cleans.Add(1) }

// InvalidateRange implements CacheOps.InvalidateRange.
func (c *SoftCacheOps) InvalidateRange(pa memarch.Paddr, length uint64) { c.Invalidates.Add(1) }

// CleanInvalidateRange implements CacheOps.CleanInvalidateRange.
func (c *SoftCacheOps) CleanInvalidateRange(pa memarch.Paddr, length uint64) {
	c.CleanInvalidates.Add(1)
}

// SyncRange implements CacheOps.SyncRange.
func (c *SoftCacheOps) SyncRange(pa memarch.Paddr, length uint64) { c.Syncs.Add(1) }
