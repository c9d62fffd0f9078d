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
	"sync"

	"github.com/sirupsen/logrus"

	"vmkit.dev/vmkit/pkg/pmm"
)

// registry tracks every live address space so diagnostics can enumerate
// them. registry.mu is a leaf lock, taken with no other VM lock held.
var registry struct {
	mu      sync.Mutex
	aspaces []*VmAspace
	kernel  *VmAspace
}

func registerAspace(as *VmAspace) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.aspaces = append(registry.aspaces, as)
}

func unregisterAspace(as *VmAspace) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i, other := range registry.aspaces {
		if other == as {
			last := len(registry.aspaces) - 1
			registry.aspaces[i] = registry.aspaces[last]
			registry.aspaces[last] = nil
			registry.aspaces = registry.aspaces[:last]
			break
		}
	}
	if registry.kernel == as {
		registry.kernel = nil
	}
}

// InitKernelAspace creates and initializes the kernel's address space,
// backed by alloc. It must be called exactly once.
func InitKernelAspace(alloc pmm.Allocator) (*VmAspace, error) {
	registry.mu.Lock()
	if registry.kernel != nil {
		registry.mu.Unlock()
		panic("kernel aspace already initialized")
	}
	registry.mu.Unlock()

	as := NewAspace("kernel", AspaceKernel, alloc, nil)
	if err := as.Init(); err != nil {
		return nil, err
	}

	registry.mu.Lock()
	registry.kernel = as
	registry.mu.Unlock()
	return as, nil
}

// KernelAspace returns the kernel address space, or nil before
// InitKernelAspace.
func KernelAspace() *VmAspace {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.kernel
}

// AllAspaces returns a snapshot of every live address space.
func AllAspaces() []*VmAspace {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*VmAspace, len(registry.aspaces))
	copy(out, registry.aspaces)
	return out
}

// DumpAllAspaces logs a region listing for every live address space.
func DumpAllAspaces() {
	for _, as := range AllAspaces() {
		logrus.Info(as.Dump())
	}
}
