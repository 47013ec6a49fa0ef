// Package task implements the task graph, planner, and parallel driver:
// the part of the runtime that turns a batch of registered function calls
// into split work, dispatches it across a pool of worker goroutines, and
// merges the per-thread results back into the caller's output slots.
package task

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/weld-project/composer-go/internal/annotation"
	"github.com/weld-project/composer-go/internal/argument"
	"github.com/weld-project/composer-go/internal/rtlog"
)

// ComposerInfiniteItems is returned by a splitter's initializer (via its
// numItems out-param) to mean "this source never runs out" — broadcasts
// and futures are the built-in cases; a user splitter may also report it.
const ComposerInfiniteItems int64 = -1

// futureBase anchors the token space used for Future identifiers. The exact
// value is cosmetic, chosen to look pointer-shaped in a memory dump; what
// matters is that it never collides with a real heap address a caller might
// compare it against by accident.
const futureBase int64 = 0xdeadbeef

// Future is an opaque token standing in for a not-yet-computed result. The
// caller treats it exactly like any other pointer-sized value: it may be
// stored, copied, and passed as an argument to further registered tasks.
type Future int64

// WrapperCallback invokes one annotated function given its packed argument
// buffer (every argument's bytes concatenated in declaration order) and
// returns the Future token representing its result (zero if the function
// returns void).
type WrapperCallback func(argBuf []byte) Future

// MergerFn combines a contiguous run of same-shaped output pieces into one
// value. pieces holds numPieces consecutive pointer-sized (8-byte) little-
// endian entries; numThreads is passed through so a merger that wants to
// special-case the single-thread driver run can do so. The return value is
// the pointer-sized result, written back by Manager.Execute.
type MergerFn func(pieces []byte, numPieces, numThreads int64) uintptr

// ErrGenericSplitType identifies the panic raised when a Generic split type
// reaches the planner: type-generic resolution is out of scope, by design.
var ErrGenericSplitType = errors.New("task: generic split types cannot be executed")

// FreeSplitterHandle releases the opaque state a splitter initializer
// returned, once Execute has finished driving it. A splitter crossing the C
// ABI mallocs its state, so the cgo boundary points this at libc free; the
// default nil leaves Go-owned handles to the collector.
var FreeSplitterHandle func(unsafe.Pointer)

// ErrSplitterItemMismatch signals that two named splitters feeding the same
// execute() call disagree about how many items they will produce. The
// graph has no sensible way to drive both to completion together, so this
// is fatal.
var ErrSplitterItemMismatch = errors.New("task: splitters disagree on item count")

// Task is one registered function call: the annotation describing how its
// arguments split, the callback that invokes it, and the ordered argument
// IDs bound at registration time.
type Task struct {
	Annotation *annotation.Annotation
	Callback   WrapperCallback
	Arguments  []argument.ID
	FutureID   *argument.ID
}

type outputEntry struct {
	loc    uintptr
	merger MergerFn
}

// Manager owns the task graph accumulated between two calls to Execute,
// plus the argument table it reads and writes arguments through.
//
// It is not safe for concurrent use; the composer runtime serializes all
// access behind its single top-level lock.
type Manager struct {
	Evaluate     bool
	Threads      int64
	InitTaskSize int64

	args *argument.Table

	tasks        []*Task
	outputs      map[argument.ID]outputEntry
	futures      map[argument.ID]struct{}
	futureOffset int64
}

// NewManager returns a Manager bound to args, with the defaults a freshly
// initialized runtime gets before Init overrides them: single-threaded,
// 512-item batches.
func NewManager(args *argument.Table) *Manager {
	return &Manager{
		Evaluate:     true,
		Threads:      1,
		InitTaskSize: 512,
		args:         args,
		outputs:      make(map[argument.ID]outputEntry),
		futures:      make(map[argument.ID]struct{}),
	}
}

func (m *Manager) nextFuture() Future {
	v := futureBase + m.futureOffset
	m.futureOffset++
	return Future(v)
}

// RegisterTask splits argBuf into each parameter's declared byte width
// (per its split type's RuntimeInfo().DataSize), interns each piece as an
// argument, and appends a Task to the graph. If returnsValue is true, a
// fresh Future token is minted, interned as an argument in its own right
// (so later tasks referencing it by value resolve to the same ID), and
// returned.
func (m *Manager) RegisterTask(a *annotation.Annotation, fn WrapperCallback, argBuf []byte, returnsValue bool) (*Future, error) {
	rtlog.Logger.Debug().
		Str("func", a.Function.FuncName).
		Int("params", len(a.Params)).
		Msg("registering task")

	ids := make([]argument.ID, len(a.Params))
	offset := 0
	for i, p := range a.Params {
		rt := p.Type.RuntimeInfo()
		if offset+rt.DataSize > len(argBuf) {
			return nil, fmt.Errorf("task: RegisterTask: argument buffer too short for param %d of %s", i, a.Function.FuncName)
		}
		ids[i] = m.args.Intern(argBuf[offset : offset+rt.DataSize])
		offset += rt.DataSize
	}

	var futurePtr *Future
	if returnsValue {
		future := m.nextFuture()
		futureID := m.args.NewID()
		storage := make([]byte, 8)
		binary.LittleEndian.PutUint64(storage, uint64(future))
		m.args.Bind(futureID, storage)
		m.futures[futureID] = struct{}{}
		futurePtr = &future
		m.tasks = append(m.tasks, &Task{Annotation: a.Clone(), Callback: fn, Arguments: ids, FutureID: &futureID})
	} else {
		m.tasks = append(m.tasks, &Task{Annotation: a.Clone(), Callback: fn, Arguments: ids})
	}

	return futurePtr, nil
}

// RegisterOutput records ptr (a pointer-sized caller-owned slot, typically
// holding a Future previously returned from RegisterTask) as the
// destination for the final, merged value of whatever argument the 8
// bytes currently stored *at* ptr identify. Reading through ptr, rather
// than interning ptr's own address, is what lets a Future written into a
// local variable and then emitted resolve to the same argument ID that
// task registration assigned it.
func (m *Manager) RegisterOutput(ptr uintptr, merger MergerFn) (argument.ID, error) {
	if ptr == 0 {
		return 0, errors.New("task: RegisterOutput: nil pointer")
	}
	content := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 8)
	id := m.args.Intern(content)
	m.outputs[id] = outputEntry{loc: ptr, merger: merger}
	rtlog.Logger.Debug().Uint64("arg_id", uint64(id)).Msg("registered output")
	return id, nil
}

// inputEntry records, for one argument, the arguments of the first task in
// which it appeared and the split-type parameter describing it there.
// Later tasks referencing the same argument ID reuse this: the splitter is
// initialized once, not once per task.
type inputEntry struct {
	taskArgs []argument.ID
	param    annotation.Parameter
}

func (m *Manager) buildInputs() map[argument.ID]inputEntry {
	inputs := make(map[argument.ID]inputEntry)
	for _, t := range m.tasks {
		for i, id := range t.Arguments {
			if _, ok := inputs[id]; ok {
				continue
			}
			inputs[id] = inputEntry{taskArgs: t.Arguments, param: t.Annotation.Params[i]}
		}
	}
	return inputs
}

// splitterHandle is the opaque state returned by a Named split type's
// initializer. A nil handle means "no splitter": the argument is broadcast
// unchanged (either because its split type truly is Broadcast, or because
// it is a future produced earlier in the same graph and is therefore
// already split).
type splitterHandle struct {
	ptr unsafe.Pointer
}

func (m *Manager) initSplitters(inputs map[argument.ID]inputEntry) (map[argument.ID]*splitterHandle, int64) {
	splitters := make(map[argument.ID]*splitterHandle, len(inputs))
	var numItems int64 = -2 // sentinel: "not yet determined"
	seenFinite := false

	for id, in := range inputs {
		if in.param.Type.IsBroadcast() {
			rtlog.Logger.Trace().Uint64("arg_id", uint64(id)).Msg("no splitter (broadcast)")
			splitters[id] = nil
			continue
		}
		if _, isFuture := m.futures[id]; isFuture {
			rtlog.Logger.Trace().Uint64("arg_id", uint64(id)).Msg("no splitter (produced in pipeline)")
			splitters[id] = nil
			continue
		}
		if in.param.Type.Kind == annotation.Generic {
			panic(fmt.Sprintf("%v: %s", ErrGenericSplitType, in.param.Type.Name))
		}

		rt := in.param.Type.RuntimeInfo()
		argVal := m.args.Get(id)

		var initArgs []byte
		for _, argIdx := range in.param.Arguments {
			splitterArgID := in.taskArgs[argIdx]
			initArgs = append(initArgs, m.args.Get(splitterArgID)...)
		}

		var n int64
		var argPtr, initPtr unsafe.Pointer
		if len(argVal) > 0 {
			argPtr = unsafe.Pointer(&argVal[0])
		}
		if len(initArgs) > 0 {
			initPtr = unsafe.Pointer(&initArgs[0])
		}
		handlePtr := rt.Initializer(argPtr, initPtr, &n)
		splitters[id] = &splitterHandle{ptr: handlePtr}

		if n != ComposerInfiniteItems {
			if seenFinite && numItems != n {
				panic(fmt.Sprintf("%v: %d vs %d", ErrSplitterItemMismatch, numItems, n))
			}
			numItems = n
			seenFinite = true
		}
	}

	if !seenFinite {
		// Every input was broadcast/future/infinite (or there were no
		// inputs at all): nothing bounds the loop length on its own, so we
		// define it as exactly one batch — a pure-broadcast graph still
		// runs its tasks once rather than looping forever or doing nothing.
		numItems = 1
	}

	return splitters, numItems
}

// threadRange returns the [start, end) item range tid should process, and
// false if tid has nothing to do (every item already covered by lower
// tids). Thread 0 always gets the full range when the division rounds
// down to zero, so a graph with fewer items than threads still runs.
func (m *Manager) threadRange(numItems, tid int64) (start, end int64, ok bool) {
	threadElements := numItems / m.Threads
	if threadElements == 0 {
		if tid != 0 {
			return 0, 0, false
		}
		threadElements = numItems
	} else if numItems%m.Threads != 0 {
		threadElements++
	}

	start = threadElements * tid
	end = numItems
	if threadElements*(tid+1) < end {
		end = threadElements * (tid + 1)
	}
	return start, end, true
}

func (m *Manager) makeBuffers(inputs map[argument.ID]inputEntry) map[argument.ID][]byte {
	buffers := make(map[argument.ID][]byte, len(inputs))
	for id, in := range inputs {
		rt := in.param.Type.RuntimeInfo()
		buffers[id] = make([]byte, rt.DataSize)
	}
	for futureID := range m.futures {
		if _, ok := buffers[futureID]; !ok {
			buffers[futureID] = append([]byte(nil), m.args.Get(futureID)...)
		}
	}
	return buffers
}

// splitValues fills buffers with the slice of each split argument covering
// [start, end), and reports whether the driver loop should continue: false
// means some splitter has run out of items.
func (m *Manager) splitValues(start, end int64, inputs map[argument.ID]inputEntry, buffers map[argument.ID][]byte, splitters map[argument.ID]*splitterHandle) bool {
	for id, sp := range splitters {
		in := inputs[id]
		rt := in.param.Type.RuntimeInfo()
		buf := buffers[id]

		var status annotation.SplitterStatus
		if sp != nil {
			var outPtr unsafe.Pointer
			if len(buf) > 0 {
				outPtr = unsafe.Pointer(&buf[0])
			}
			status = rt.Next(sp.ptr, start, end, outPtr)
		} else {
			copy(buf, m.args.Get(id))
			status = annotation.SplitterContinue
		}

		if status == annotation.SplitterFinished {
			return false
		}
	}
	return true
}

func (m *Manager) callTask(t *Task, buffers map[argument.ID][]byte) Future {
	argBuf := make([]byte, 0, 64)
	for _, id := range t.Arguments {
		argBuf = append(argBuf, buffers[id]...)
	}
	return t.Callback(argBuf)
}

type threadResult struct {
	tid     int64
	outputs map[argument.ID]uintptr
}

// Execute runs every registered task to completion, dispatching split work
// across Threads worker goroutines, merging results, and writing each
// registered output's final value back to its caller-owned location. The
// task graph (and the future/output bookkeeping tied to it) is cleared
// afterward, whether or not any error occurs.
func (m *Manager) Execute() error {
	if len(m.tasks) == 0 {
		rtlog.Logger.Warn().Msg("execute called with no tasks registered")
		return nil
	}

	// While inside execute, wrappers observing Evaluate() must take the
	// direct-call path instead of registering a nested task — the runtime
	// mutex held by the composer package for the whole call is not
	// re-entrant, so this is the only signal a re-entrant wrapper gets.
	m.Evaluate = true

	defer func() {
		m.tasks = nil
		m.futures = make(map[argument.ID]struct{})
		m.outputs = make(map[argument.ID]outputEntry)
		m.args.Reset()
		m.Evaluate = false
	}()

	planStart := time.Now()
	inputs := m.buildInputs()
	rtlog.Logger.Debug().Int("inputs", len(inputs)).Msg("built input map")

	splitters, numItems := m.initSplitters(inputs)
	rtlog.Logger.Debug().
		Int64("num_items", numItems).
		Dur("planner_duration", time.Since(planStart)).
		Msg("planner time")

	results := make([]threadResult, m.Threads)

	runThread := func(tid int64) threadResult {
		rtlog.Logger.Info().Int64("tid", tid).Msg("thread starting")

		start, end, ok := m.threadRange(numItems, tid)
		if !ok {
			rtlog.Logger.Info().Int64("tid", tid).Msg("no items to process: thread quitting")
			// Contribute an empty piece per output, so the final merge sees
			// exactly one entry per thread.
			emptyOutputs := make(map[argument.ID]uintptr, len(m.outputs))
			for id, entry := range m.outputs {
				emptyOutputs[id] = entry.merger(nil, 0, m.Threads)
			}
			return threadResult{tid: tid, outputs: emptyOutputs}
		}
		rtlog.Logger.Info().Int64("tid", tid).Int64("start", start).Int64("end", end).Msg("thread assigned range")

		batchSize := end - start
		if m.InitTaskSize < batchSize {
			batchSize = m.InitTaskSize
		}
		curStart, curEnd := start, start+batchSize

		buffers := m.makeBuffers(inputs)
		outputLists := make(map[argument.ID][]byte, len(m.outputs))
		for id := range m.outputs {
			outputLists[id] = nil
		}
		numOutputPieces := int64(0)

		driverStart := time.Now()
		var splitterTotal, taskTotal time.Duration

		for curStart < end {
			splitStart := time.Now()
			if !m.splitValues(curStart, curEnd, inputs, buffers, splitters) {
				rtlog.Logger.Info().Int64("tid", tid).Msg("thread finished driver loop")
				break
			}
			splitEnd := time.Now()
			splitterTotal += splitEnd.Sub(splitStart)

			taskStart := splitEnd
			for _, t := range m.tasks {
				result := m.callTask(t, buffers)
				if t.FutureID != nil {
					binary.LittleEndian.PutUint64(buffers[*t.FutureID], uint64(result))
				}
			}
			for id := range m.outputs {
				outputLists[id] = append(outputLists[id], buffers[id]...)
			}
			numOutputPieces++
			taskTotal += time.Since(taskStart)

			curStart += batchSize
			curEnd = end
			if curStart+batchSize < curEnd {
				curEnd = curStart + batchSize
			}
			if curStart >= end {
				break
			}
		}

		rtlog.Logger.Info().Int64("tid", tid).Dur("split_total", splitterTotal).Msg("thread total split time")
		// This line mixes taskTotal's whole seconds with splitterTotal's
		// fractional nanoseconds. A cosmetic log quirk, not a semantic bug;
		// left as-is.
		rtlog.Logger.Info().
			Int64("tid", tid).
			Float64("total_task_time", float64(taskTotal/time.Second)+float64(splitterTotal%time.Second)/1e9).
			Msg("thread total task time")
		rtlog.Logger.Info().
			Int64("tid", tid).
			Dur("driver_duration", time.Since(driverStart)).
			Int64("pieces", numOutputPieces).
			Msg("thread driver time")

		threadOutputs := make(map[argument.ID]uintptr, len(m.outputs))
		mergeStart := time.Now()
		for id, entry := range m.outputs {
			threadOutputs[id] = entry.merger(outputLists[id], numOutputPieces, m.Threads)
		}
		rtlog.Logger.Info().Int64("tid", tid).Dur("merge_duration", time.Since(mergeStart)).Msg("thread merge time")

		return threadResult{tid: tid, outputs: threadOutputs}
	}

	if m.Threads == 1 {
		results[0] = runThread(0)
	} else {
		g := new(errgroup.Group)
		for i := int64(0); i < m.Threads; i++ {
			tid := i
			g.Go(func() error {
				results[tid] = runThread(tid)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].tid < results[j].tid })

	mergeStart := time.Now()
	perOutput := make(map[argument.ID][]byte, len(m.outputs))
	for _, r := range results {
		for id, val := range r.outputs {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(val))
			perOutput[id] = append(perOutput[id], buf...)
		}
	}

	for id, entry := range m.outputs {
		final := entry.merger(perOutput[id], m.Threads, m.Threads)
		*(*uintptr)(unsafe.Pointer(entry.loc)) = final
	}
	rtlog.Logger.Info().Dur("merge_duration", time.Since(mergeStart)).Msg("final merge time")

	if FreeSplitterHandle != nil {
		for _, sp := range splitters {
			if sp != nil && sp.ptr != nil {
				FreeSplitterHandle(sp.ptr)
			}
		}
	}

	return nil
}
