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

// Package vm implements the virtual-memory core: reference-counted memory
// objects (VmObject) with copy-on-write cloning, the per-address-space
// mapping layer (VmAspace/VmRegion), and the page-fault path tying them
// together.
//
// Lock order:
//
//	VmAspace.mu
//	  VmObject family lock
//	    VmAspace.archMu
//	    pmm.Arena.mu
//
// Every VmObject in one copy-on-write family (a root and all clones
// transitively derived from it) shares a single lock, created at the root.
// Snapshot isolation requires traversing the family in both directions: a
// child fault walks up to its parents for source pages, and a parent write
// pushes copies down to its children. One lock per family makes both
// directions safe; per-object locks would deadlock on the downward walk.
//
// The fault path holds VmAspace.mu (read) for the whole fault: region
// lookup, page resolution under the object lock, and installation of the
// translation under archMu. Invalidation paths (resize, decommit, COW break)
// hold the object lock and take only archMu, never VmAspace.mu, so the two
// directions cannot invert.
package vm

import "vmkit.dev/vmkit/pkg/memarch"

// checkInvariants enables expensive invariant checking along hot paths.
const checkInvariants = true

// MapOpts specifies a request to place a region in an address space.
type MapOpts struct {
	// Perms is the protection applied to the region.
	Perms memarch.AccessType

	// Addr is the placement address. Addr is ignored unless Fixed is true.
	Addr memarch.Vaddr

	// Fixed requires the region to be placed exactly at Addr.
	Fixed bool

	// Align is the required alignment of the region base. Zero means page
	// alignment; otherwise Align must be a power-of-two multiple of the page
	// size.
	Align uint64

	// Commit requests that backing pages be committed and mapped eagerly
	// rather than on first fault.
	Commit bool
}
