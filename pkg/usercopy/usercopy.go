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

// Package usercopy provides the capability for copying bytes between kernel
// and user-mode addresses, with faults reported as errors rather than traps.
package usercopy

import (
	"fmt"

	"vmkit.dev/vmkit/pkg/memarch"
	"vmkit.dev/vmkit/pkg/vmerr"
)

// IO is the user-pointer copy capability consumed by VmObject.ReadUser and
// WriteUser. Implementations report partial progress: the returned count is
// the number of bytes actually transferred before any fault.
type IO interface {
	// CopyOut copies len(src) bytes from src to the user address uaddr.
	CopyOut(uaddr memarch.Vaddr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the user address uaddr to dst.
	CopyIn(uaddr memarch.Vaddr, dst []byte) (int, error)
}

// BytesIO implements IO using a byte slice standing in for a window of user
// memory at [Base, Base+len(Bytes)). Accesses outside the window fault.
type BytesIO struct {
	Base  memarch.Vaddr
	Bytes []byte
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(uaddr memarch.Vaddr, src []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(uaddr, len(src))
	if rngN == 0 {
		return 0, rngErr
	}
	off := uint64(uaddr - b.Base)
	return copy(b.Bytes[off:off+uint64(rngN)], src[:rngN]), rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(uaddr memarch.Vaddr, dst []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(uaddr, len(dst))
	if rngN == 0 {
		return 0, rngErr
	}
	off := uint64(uaddr - b.Base)
	return copy(dst[:rngN], b.Bytes[off:off+uint64(rngN)]), rngErr
}

// rangeCheck returns the number of bytes of an access at uaddr of the given
// length that fall inside the window, and a fault error if any fall outside.
func (b *BytesIO) rangeCheck(uaddr memarch.Vaddr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if uaddr < b.Base {
		return 0, fmt.Errorf("user address %#x below window: %w", uint64(uaddr), vmerr.ErrFault)
	}
	off := uint64(uaddr - b.Base)
	if off >= uint64(len(b.Bytes)) {
		return 0, fmt.Errorf("user address %#x beyond window: %w", uint64(uaddr), vmerr.ErrFault)
	}
	if max := uint64(len(b.Bytes)) - off; uint64(length) > max {
		return int(max), fmt.Errorf("user range [%#x, %#x) truncated: %w", uint64(uaddr), uint64(uaddr)+uint64(length), vmerr.ErrFault)
	}
	return length, nil
}
