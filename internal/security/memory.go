//go:build unix
// +build unix

// Package security provides security utilities for darklock.
//
// This package implements:
// - Secure memory wiping (prevents key recovery from memory)
// - Memory locking (prevents swapping of sensitive data)
// - Constant-time comparisons (prevents timing attacks)
// - Secure byte handling
package security

import (
	"crypto/subtle"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte slice that gets zeroed when freed.
// Use this for sensitive data like keys, passwords, and seeds.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes creates a new SecureBytes with the given capacity.
// The memory is locked to prevent swapping (if privileges allow).
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	// Try to lock the memory
	if err := sb.lock(); err != nil {
		// Non-fatal: we continue without mlock on systems that don't support it
		// or when we don't have privileges
	}

	// Register finalizer to ensure cleanup
	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})

	return sb, nil
}

// FromBytes creates SecureBytes from existing data.
// The original data is zeroed after copying.
func FromBytes(data []byte) (*SecureBytes, error) {
	sb, err := NewSecureBytes(len(data))
	if err != nil {
		return nil, err
	}

	copy(sb.data, data)
	Wipe(data) // Zero the original

	return sb, nil
}

// Bytes returns the underlying byte slice.
// Warning: The returned slice should not be stored; use it immediately.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Copy creates a copy of the data.
// The caller is responsible for wiping the returned slice.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the length of the secure bytes.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy securely wipes and unlocks the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}

	// Wipe the data
	wipeBytes(s.data)

	// Unlock memory if it was locked
	if s.locked {
		s.unlock()
	}

	s.data = nil
}

// lock attempts to lock the memory to prevent swapping.
func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}

	// Get the memory address
	ptr := unsafe.Pointer(&s.data[0])
	size := uintptr(len(s.data))

	// Try mlock
	err := unix.Mlock((*[1 << 30]byte)(ptr)[:size:size])
	if err != nil {
		return err
	}

	s.locked = true
	return nil
}

// unlock releases the memory lock.
func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}

	ptr := unsafe.Pointer(&s.data[0])
	size := uintptr(len(s.data))

	unix.Munlock((*[1 << 30]byte)(ptr)[:size:size])
	s.locked = false
}

// Wipe overwrites a byte slice with zeros.
// Writes each byte in a loop and then calls runtime.KeepAlive on the slice.
func Wipe(data []byte) {
	wipeBytes(data)
}

// wipeBytes is the internal implementation of Wipe.
func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	// Use explicit loop - compiler should not optimize this away
	for i := range data {
		data[i] = 0
	}

	// Memory barrier to ensure writes complete
	runtime.KeepAlive(data)
}

// WipeString overwrites a string's underlying bytes with zeros.
// Warning: This only works for strings backed by mutable memory.
// It will not work for string literals or compiler-optimized strings.
func WipeString(s *string) {
	if s == nil || len(*s) == 0 {
		return
	}

	// Get the underlying byte slice
	// This is unsafe but necessary for secure wiping
	header := (*[2]uintptr)(unsafe.Pointer(s))
	if header[0] == 0 || header[1] == 0 {
		return
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(header[0])), header[1])
	wipeBytes(data)
}

// ConstantTimeCompare compares two byte slices in constant time.
// Returns true if they are equal, false otherwise.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ConstantTimeEqual compares two fixed-size arrays in constant time.
func ConstantTimeEqual[T comparable](a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// SecureRandom fills the given slice with cryptographically secure random bytes.
// This wraps crypto/rand.Read for convenience.
func SecureRandom(data []byte) error {
	return GenerateSecureRandom(data)
}

// GuardedExec executes a function with automatic key cleanup.
// The provided key is wiped after the function returns, regardless of errors.
func GuardedExec(key []byte, fn func([]byte) error) error {
	defer Wipe(key)
	return fn(key)
}

// GuardedSecure executes a function with SecureBytes cleanup.
func GuardedSecure(sb *SecureBytes, fn func(*SecureBytes) error) error {
	defer sb.Destroy()
	return fn(sb)
}
