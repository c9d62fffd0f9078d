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

// Package archmmu defines the contract between the VM core and the
// architecture-specific MMU layer. The VM core treats translation contexts
// and cache maintenance as opaque, architecture-supplied operations; this
// package also provides the software implementations backing tests.
package archmmu

import "vmkit.dev/vmkit/pkg/memarch"

// Context is one hardware translation context: a page-table root plus its
// bookkeeping. An address space owns exactly one Context.
//
// Implementations synchronize internally; the VM core may invoke a Context
// from any thread, but never concurrently for overlapping ranges without
// holding its own locks.
type Context interface {
	// MapPage installs a translation from the page containing va to the
	// frame at pa with the given permissions, replacing any existing
	// translation for that page.
	//
	// Preconditions: va and pa are page-aligned.
	MapPage(va memarch.Vaddr, pa memarch.Paddr, perms memarch.AccessType) error

	// UnmapRange removes all translations for pages in [va, va+length). It
	// is a no-op for pages with no translation.
	//
	// Preconditions: va and length are page-aligned.
	UnmapRange(va memarch.Vaddr, length uint64) error

	// QueryPage returns the current translation for the page containing va.
	QueryPage(va memarch.Vaddr) (memarch.Paddr, memarch.AccessType, bool)

	// Destroy tears down the translation context. The Context may not be
	// used afterward.
	Destroy()
}

// CacheOps is the set of cache-maintenance primitives, keyed by physical
// range. On architectures with coherent caches these are no-ops.
type CacheOps interface {
	// CleanRange writes back dirty cache lines covering [pa, pa+length).
	CleanRange(pa memarch.Paddr, length uint64)

	// InvalidateRange discards cache lines covering [pa, pa+length).
	InvalidateRange(pa memarch.Paddr, length uint64)

	// CleanInvalidateRange writes back and then discards cache lines
	// covering [pa, pa+length).
	CleanInvalidateRange(pa memarch.Paddr, length uint64)

	// SyncRange synchronizes the instruction and data caches for
	// [pa, pa+length).
	SyncRange(pa memarch.Paddr, length uint64)
}
