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

// Package pmm contains the physical page frame allocator, which manages the
// raw page frames backing VM objects.
//
// Frames are identified by memarch.Paddr handles. The VM core treats these
// handles as opaque; this package additionally exposes the frame contents for
// byte copies via Slice.
package pmm

import "vmkit.dev/vmkit/pkg/memarch"

// Allocator is the contract the VM core consumes. All methods are safe to
// call while holding a VM object lock: the allocator synchronizes internally
// and never re-enters its callers.
type Allocator interface {
	// AllocPage returns a zero-filled page frame, or vmerr.ErrNoMemory if no
	// frame is available. The allocator never retries internally; retry
	// policy belongs to the caller.
	AllocPage() (memarch.Paddr, error)

	// FreePage returns a frame to the allocator. The frame must have been
	// returned by a previous AllocPage or AllocContiguous call and must not
	// be used afterward.
	FreePage(paddr memarch.Paddr)

	// AllocContiguous returns the base frame of a physically contiguous,
	// zero-filled run of count pages whose base is aligned to align bytes
	// (align must be 0 or a power-of-two multiple of the page size). It
	// returns vmerr.ErrNoResources if no such run is available.
	AllocContiguous(count, align uint64) (memarch.Paddr, error)

	// Slice returns the contents of the frame containing paddr, starting at
	// paddr, for length bytes. [paddr, paddr+length) must fall within a
	// single allocated page.
	Slice(paddr memarch.Paddr, length uint64) []byte
}
