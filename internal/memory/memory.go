// Package memory manages the lazily-protected argument arenas that drive
// deferred evaluation.
//
// Every buffer the runtime hands back to a caller as a "lazy" value is
// backed by an anonymous mmap'd segment. While lazy, the segment is
// mprotect'd to PROT_NONE; the first touch of any byte in it faults, and
// the fault is turned into a Go panic that Guard recovers from, reporting
// the faulting address; the composer package then runs the pending task
// graph and retries the touch.
package memory

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/weld-project/composer-go/internal/rtlog"
)

// ErrUnknownSegment is returned (wrapped) by ToLazy for a pointer this
// Manager did not allocate.
var ErrUnknownSegment = errors.New("memory: pointer does not belong to this manager")

// Segment is one mmap'd arena.
type Segment struct {
	Base      uintptr
	data      []byte
	Protected bool
}

// Contains reports whether p falls within the segment's byte range.
func (s *Segment) Contains(p uintptr) bool {
	return p >= s.Base && p < s.Base+uintptr(len(s.data))
}

// Manager owns every segment the runtime has allocated and not yet freed.
// It is not safe for concurrent use without external synchronization; the
// composer runtime serializes all access behind its single top-level lock.
type Manager struct {
	mu sync.Mutex

	segments []*Segment
	// allProtected tracks whether every currently-allocated segment is
	// under protection. It is sticky: once any segment is allocated
	// non-lazily (or any segment is explicitly unprotected), it stays
	// false until ProtectAll runs again.
	allProtected bool

	faultHandlerInstalled bool
}

// FaultHandlerInstaller performs the platform-specific work of installing
// the page-fault signal handler (SIGSEGV on the Linux family, SIGBUS on the
// BSD/Darwin family) that lets a touch of a protected segment drive
// execution instead of crashing the process. It reports an error if the
// signal's prior disposition was default or ignore, or if installation
// itself failed.
//
// A pure-Go caller has nothing OS-level to install here -- Guard applies
// runtime/debug.SetPanicOnFault per call instead -- so RegisterFaultHandler
// only refuses a nil installer; the cgo boundary (cmd/libcomposer) supplies
// one that calls into a real sigaction.
type FaultHandlerInstaller func() error

// RegisterFaultHandler runs install and, if it succeeds, marks the Manager
// as having a fault handler in place. Per the runtime's startup contract
// this must be called before any other operation; install failing (or
// never being called) leaves touching a protected segment free to crash
// the process instead of triggering execution.
func (m *Manager) RegisterFaultHandler(install FaultHandlerInstaller) error {
	if install == nil {
		return errors.New("memory: RegisterFaultHandler: nil installer (disposition is default/ignore)")
	}
	if err := install(); err != nil {
		return fmt.Errorf("memory: RegisterFaultHandler: %w", err)
	}
	m.mu.Lock()
	m.faultHandlerInstalled = true
	m.mu.Unlock()
	return nil
}

// FaultHandlerInstalled reports whether RegisterFaultHandler has succeeded.
func (m *Manager) FaultHandlerInstalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faultHandlerInstalled
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{allProtected: true}
}

// pageSize caches the process page size; mmap/mprotect require
// page-aligned lengths.
var pageSize = func() int {
	// unix.Getpagesize avoids a cgo call and matches what mmap itself is
	// going to round up to internally.
	return unix.Getpagesize()
}()

func pageAlign(n int) int {
	if n <= 0 {
		n = 1
	}
	ps := pageSize
	return (n + ps - 1) / ps * ps
}

// Allocate reserves a size-byte arena. If lazy is true, the arena starts
// protected (PROT_NONE): any read or write before the first Unprotect
// faults. If lazy is false, the arena is immediately readable/writable and
// the Manager's allProtected flag is cleared (a single eager allocation is
// enough to make "everything is still protected" false).
func (m *Manager) Allocate(size int, lazy bool) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aligned := pageAlign(size)
	prot := unix.PROT_READ | unix.PROT_WRITE
	if lazy {
		prot = unix.PROT_NONE
	}

	data, err := unix.Mmap(-1, 0, aligned, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("memory: mmap %d bytes: %w", aligned, err)
	}

	seg := &Segment{Base: uintptrOf(data), data: data, Protected: lazy}
	m.segments = append(m.segments, seg)
	m.allProtected = m.allProtected && lazy

	rtlog.Logger.Trace().
		Uint64("base", uint64(seg.Base)).
		Int("size", aligned).
		Bool("lazy", lazy).
		Msg("allocated arena")

	return seg.Base, nil
}

// ToLazy marks an already-allocated, currently-unprotected segment as
// eligible for protection again (used when a caller re-derives a lazy
// value from one it had already forced). ptr need not be a segment's exact
// base address -- any pointer the segment contains resolves to it.
func (m *Manager) ToLazy(ptr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.findContaining(ptr)
	if seg == nil {
		return fmt.Errorf("memory: ToLazy: %w", ErrUnknownSegment)
	}
	if err := unix.Mprotect(seg.data, unix.PROT_NONE); err != nil {
		return fmt.Errorf("memory: mprotect PROT_NONE: %w", err)
	}
	seg.Protected = true
	return nil
}

// Free releases the segment containing ptr (not necessarily its exact base
// address). Unlike Allocate's siblings, Free on an unrecognized pointer is
// a silent no-op: callers (including the cgo boundary) routinely free
// values the runtime never tracked.
func (m *Manager) Free(ptr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, seg := range m.segments {
		if seg.Contains(ptr) {
			if err := unix.Munmap(seg.data); err != nil {
				rtlog.Logger.Warn().Err(err).Uint64("base", uint64(ptr)).Msg("munmap failed")
			}
			m.segments[i] = m.segments[len(m.segments)-1]
			m.segments = m.segments[:len(m.segments)-1]
			return
		}
	}
}

// ProtectAll makes every currently-allocated segment PROT_NONE. Protection
// is whole-arena: the runtime has no use for pkey_mprotect-style per-page
// ownership, since a segment is always either "not yet computed" in its
// entirety or fully materialized.
func (m *Manager) ProtectAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.segments {
		if seg.Protected {
			continue
		}
		if err := unix.Mprotect(seg.data, unix.PROT_NONE); err != nil {
			return fmt.Errorf("memory: mprotect PROT_NONE: %w", err)
		}
		seg.Protected = true
	}
	m.allProtected = true
	return nil
}

// UnprotectAll makes every currently-allocated segment readable and
// writable. Called just before a task graph executes, so that the tasks can
// write their outputs and code touching those outputs afterward no longer
// faults.
func (m *Manager) UnprotectAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.segments {
		if !seg.Protected {
			continue
		}
		if err := unix.Mprotect(seg.data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("memory: mprotect PROT_READ|PROT_WRITE: %w", err)
		}
		seg.Protected = false
	}
	m.allProtected = false
	return nil
}

// AllProtected reports whether every live segment is currently protected.
func (m *Manager) AllProtected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allProtected
}

// SegmentIndex returns the index of the segment containing ptr, or -1.
func (m *Manager) SegmentIndex(ptr uintptr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, seg := range m.segments {
		if seg.Contains(ptr) {
			return i
		}
	}
	return -1
}

// Contains reports whether ptr falls inside any currently-allocated
// segment. Used by the fault bridge to decide whether a fault is this
// Manager's to handle at all, before it runs execution on the strength of
// it.
func (m *Manager) Contains(ptr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findContaining(ptr) != nil
}

func (m *Manager) findContaining(ptr uintptr) *Segment {
	for _, seg := range m.segments {
		if seg.Contains(ptr) {
			return seg
		}
	}
	return nil
}

func (m *Manager) find(ptr uintptr) *Segment {
	for _, seg := range m.segments {
		if seg.Base == ptr {
			return seg
		}
	}
	return nil
}

// Bytes returns the backing slice for the segment starting at ptr, or nil.
func (m *Manager) Bytes(ptr uintptr) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.find(ptr)
	if seg == nil {
		return nil
	}
	return seg.data
}

// Guard runs fn with the process's fault-on-protected-page behavior turned
// into a recoverable event rather than a crash: if fn touches a PROT_NONE
// page, the runtime.Error delivered by the page fault is recovered and its
// faulting address returned with faulted=true, instead of propagating as a
// process-fatal SIGSEGV.
//
// This is the idiomatic Go replacement for installing a siginfo-based
// SIGSEGV/SIGBUS handler: runtime/debug.SetPanicOnFault asks the Go runtime
// to deliver an on-fault panic to the faulting goroutine instead of
// terminating the process, and recover() here catches it. SetPanicOnFault
// is goroutine-local, so it is safe to toggle around fn without affecting
// concurrently-running goroutines.
func Guard(fn func()) (addr uintptr, faulted bool) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(interface{ Addr() uintptr }); ok {
				addr = rerr.Addr()
				faulted = true
				return
			}
			// Not a fault panic; let it continue unwinding.
			panic(r)
		}
	}()

	fn()
	return 0, false
}

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
