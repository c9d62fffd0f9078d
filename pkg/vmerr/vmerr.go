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

// Package vmerr holds the standardized status-kind error definitions for the
// VM subsystem. Errors are compared by identity; callers that need to attach
// context wrap them with fmt's %w and test with errors.Is.
package vmerr

import "errors"

// Code enumerates the error kinds the VM subsystem can return.
type Code uint8

// Error codes, in the order error kinds appear in the VM API contracts.
const (
	CodeNoMemory Code = iota + 1
	CodeNoResources
	CodeNoSpace
	CodeInvalidArgs
	CodeBadState
	CodeOutOfRange
	CodeNotFound
	CodeAccessDenied
	CodePinned
	CodeFault
)

// Error represents a VM status kind with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }

var (
	// ErrNoMemory is returned when bookkeeping or physical-page allocation
	// fails. It is always recoverable by the caller; the VM core never
	// retries internally.
	ErrNoMemory = New(CodeNoMemory, "out of memory")

	// ErrNoResources is returned when a contiguous physical run of the
	// requested size and alignment is unavailable.
	ErrNoResources = New(CodeNoResources, "out of contiguous physical memory")

	// ErrNoSpace is returned when no gap in an address space can satisfy a
	// placement request.
	ErrNoSpace = New(CodeNoSpace, "out of address space")

	// ErrInvalidArgs is returned for malformed or contract-violating
	// arguments, such as resizing a non-resizable object.
	ErrInvalidArgs = New(CodeInvalidArgs, "invalid arguments")

	// ErrBadState is returned when the target object cannot currently
	// perform the operation, e.g. mapping into a destroyed address space.
	ErrBadState = New(CodeBadState, "bad state")

	// ErrOutOfRange is returned when an offset range extends past the end of
	// the object it addresses.
	ErrOutOfRange = New(CodeOutOfRange, "out of range")

	// ErrNotFound is returned when a region or page lookup misses. Callers
	// decide whether the miss is fatal.
	ErrNotFound = New(CodeNotFound, "not found")

	// ErrAccessDenied is returned for faults whose access type is disallowed
	// by the region's declared protection, distinct from ErrNotFound so the
	// exception layer can report the precise reason.
	ErrAccessDenied = New(CodeAccessDenied, "access denied")

	// ErrPinned is returned when an operation would discard pages that are
	// currently pinned.
	ErrPinned = New(CodePinned, "pages pinned")

	// ErrFault is returned when a user-pointer copy touches an unmapped or
	// inaccessible user address.
	ErrFault = New(CodeFault, "user copy fault")
)

// CodeOf returns the Code carried by err, unwrapping as needed. ok is false
// if err carries no VM status.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}
