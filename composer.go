// Package composer is the Go API for the lazy-evaluation, data-parallel
// fusion runtime: a singleton that defers annotated function calls into a
// task graph, and only actually runs them when a result is forced — either
// by an explicit Execute call or by touching a lazily-protected value.
//
// Every exported function here takes the runtime's single lock before
// touching any shared state, matching the "one authoritative dispatch
// routine" design called for by the task graph: a fault handler and a
// direct Execute call must never race each other.
package composer

import (
	"fmt"
	"sync"

	"github.com/weld-project/composer-go/internal/annotation"
	"github.com/weld-project/composer-go/internal/argument"
	"github.com/weld-project/composer-go/internal/memory"
	"github.com/weld-project/composer-go/internal/rtlog"
	"github.com/weld-project/composer-go/internal/task"
)

// Future is an opaque pointer-sized token for a deferred result.
type Future = task.Future

// WrapperCallback invokes one annotated function given its packed argument
// buffer and returns its Future result (0/null if the function is void).
type WrapperCallback = task.WrapperCallback

// MergerFn combines a contiguous run of same-shaped output pieces.
type MergerFn = task.MergerFn

// InfiniteItems is the sentinel a splitter's initializer reports when it
// will never run out of items (the built-in case: broadcasts and values
// already produced earlier in the same pipeline).
const InfiniteItems = task.ComposerInfiniteItems

type runtime struct {
	memoryMgr *memory.Manager
	taskMgr   *task.Manager
	args      *argument.Table
}

var (
	mu    sync.Mutex
	state *runtime
)

func mustState() *runtime {
	if state == nil {
		panic("composer: runtime used before Init")
	}
	return state
}

// FaultHandlerInstaller is invoked once, by Init, to install the
// process-wide page-fault handler before any other runtime operation runs.
// The default performs no OS-level installation: a pure-Go caller never
// needs one, since Access applies runtime/debug.SetPanicOnFault per call
// instead. cmd/libcomposer (the cgo ABI boundary) overwrites this at
// package-init time with one that registers a real sigaction-based
// SIGSEGV/SIGBUS handler, so that a plain C caller dereferencing a lazy
// pointer is caught too, not just a Go goroutine calling Access directly.
var FaultHandlerInstaller memory.FaultHandlerInstaller = func() error { return nil }

// Init (re)initializes the runtime: threads is the worker pool size for
// Execute, pieceSize is the per-batch item count (it replaces the task
// manager's built-in 512).
// Calling Init again discards any previously registered task graph
// and memory arenas — it is meant to run once per process, at startup, but
// tests call it repeatedly to get a clean runtime.
//
// Init registers the page-fault handler (via FaultHandlerInstaller) before
// doing anything else; every other exported function in this package
// assumes that has already happened.
func Init(threads, pieceSize int64) error {
	mu.Lock()
	defer mu.Unlock()

	args := argument.NewTable()
	st := &runtime{
		memoryMgr: memory.NewManager(),
		taskMgr:   task.NewManager(args),
		args:      args,
	}
	if err := st.memoryMgr.RegisterFaultHandler(FaultHandlerInstaller); err != nil {
		return fmt.Errorf("composer: Init: %w", err)
	}
	st.taskMgr.Evaluate = false
	st.taskMgr.Threads = threads
	st.taskMgr.InitTaskSize = pieceSize
	state = st

	rtlog.Logger.Info().Int64("threads", threads).Int64("piece_size", pieceSize).Msg("composer runtime initialized")
	return nil
}

// Malloc allocates a size-byte arena. If lazy is true, the arena starts
// PROT_NONE: any touch before the first Execute faults and, via Access,
// triggers execution of the pending task graph.
func Malloc(size int, lazy bool) (uintptr, error) {
	mu.Lock()
	defer mu.Unlock()
	return mustState().memoryMgr.Allocate(size, lazy)
}

// ToLazy re-protects an already-allocated, currently-writable arena.
func ToLazy(ptr uintptr) error {
	mu.Lock()
	defer mu.Unlock()
	return mustState().memoryMgr.ToLazy(ptr)
}

// Free releases ptr's arena. A pointer this runtime never allocated is
// silently ignored.
func Free(ptr uintptr) {
	mu.Lock()
	defer mu.Unlock()
	mustState().memoryMgr.Free(ptr)
}

// Evaluate reports whether a caller should run a function directly (true)
// rather than registering it for lazy execution (false). It is true before
// Init (a runtime never switched to lazy mode evaluates everything eagerly)
// and while Execute is dispatching; Init sets it false so that registered
// calls accumulate instead of running eagerly.
func Evaluate() bool {
	mu.Lock()
	defer mu.Unlock()
	if state == nil {
		return true
	}
	return state.taskMgr.Evaluate
}

// RegisterFunction adds fn to the task graph as a call over argBuf (the
// function's arguments packed as one contiguous buffer, in declaration
// order). It returns the Future standing in for the result if
// returnsValue is true, or the null Future otherwise.
func RegisterFunction(a *annotation.Annotation, fn WrapperCallback, argBuf []byte, returnsValue bool) (Future, error) {
	mu.Lock()
	defer mu.Unlock()

	future, err := mustState().taskMgr.RegisterTask(a, fn, argBuf, returnsValue)
	if err != nil {
		return 0, err
	}
	if future == nil {
		return 0, nil
	}
	return *future, nil
}

// Emit registers ptr (a pointer-sized caller-owned slot, typically a
// Future previously returned from RegisterFunction) as an output: once
// Execute runs, its merged value is written back into *ptr.
func Emit(ptr uintptr, merger MergerFn) error {
	mu.Lock()
	defer mu.Unlock()
	_, err := mustState().taskMgr.RegisterOutput(ptr, merger)
	return err
}

// Execute runs the entire pending task graph to completion, unprotecting
// every arena first so merged outputs are immediately readable.
func Execute() error {
	mu.Lock()
	defer mu.Unlock()
	return execLocked()
}

// execLocked assumes mu is already held.
func execLocked() error {
	st := mustState()
	if err := st.memoryMgr.UnprotectAll(); err != nil {
		return err
	}
	return st.taskMgr.Execute()
}

// ProtectAll marks every currently-allocated arena PROT_NONE.
func ProtectAll() error {
	mu.Lock()
	defer mu.Unlock()
	return mustState().memoryMgr.ProtectAll()
}

// Access runs fn, which is expected to touch memory that may be inside a
// lazily-protected arena. If fn faults, Access routes the faulting address
// through HandleFault and retries fn exactly once — a SIGBUS/SIGSEGV
// handler would unprotect memory and call execute before letting the
// faulting instruction re-run; this is that, expressed as an explicit
// retry instead of a signal return.
//
// This is the Go-only half of the fault bridge: runtime/debug.SetPanicOnFault
// (used by memory.Guard) turns the fault into a recoverable event on the
// calling goroutine. A plain C caller touching the same memory through the
// cgo boundary never runs this function at all; it instead faults into the
// real sigaction handler cmd/libcomposer installs, which calls HandleFault
// directly.
func Access(fn func()) error {
	addr, faulted := memory.Guard(fn)
	if !faulted {
		return nil
	}

	rtlog.Logger.Trace().Uint64("addr", uint64(addr)).Msg("handling fault")

	if !HandleFault(addr) {
		return fmt.Errorf("composer: access at 0x%x: not a composer-managed address", addr)
	}

	if _, faultedAgain := memory.Guard(fn); faultedAgain {
		return fmt.Errorf("composer: access at 0x%x still faults after execute", addr)
	}
	return nil
}

// HandleFault is the single entry point every fault path — Access's
// Go-goroutine bridge and the cgo boundary's real sigaction handler alike —
// funnels through. It reports whether addr falls inside a segment this
// runtime manages; if so, it unprotects every arena and runs the pending
// task graph to completion (so the instruction that faulted succeeds when
// it is retried) before returning true. A false return means the fault is
// none of composer's business: the caller should forward the signal (or,
// for the Go-only path, treat it as a real error) rather than assume it
// was handled.
func HandleFault(addr uintptr) bool {
	mu.Lock()
	st := mustState()
	if !st.memoryMgr.Contains(addr) {
		mu.Unlock()
		return false
	}
	err := execLocked()
	mu.Unlock()
	if err != nil {
		rtlog.Logger.Error().Err(err).Uint64("addr", uint64(addr)).Msg("execute after fault failed")
	}
	return true
}
