package task

import (
	"encoding/binary"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weld-project/composer-go/internal/annotation"
	"github.com/weld-project/composer-go/internal/argument"
)

// broadcastAnnotation describes a single-argument function whose one
// parameter is broadcast (no splitter).
func broadcastAnnotation(dataSize int) *annotation.Annotation {
	return &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "noop"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Broadcast, Runtime: &annotation.RuntimeInfo{DataSize: dataSize}}},
		},
	}
}

func le64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// countingMerger records the numPieces of every call it receives, and
// returns numPieces as its deterministic pointer-sized "result".
func countingMerger(calls *[]int64) MergerFn {
	return func(pieces []byte, numPieces, numThreads int64) uintptr {
		*calls = append(*calls, numPieces)
		return uintptr(numPieces)
	}
}

func TestExecute_SingleTaskSingleThreadBroadcast(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)

	calls := 0
	a := broadcastAnnotation(8)
	_, err := m.RegisterTask(a, func(buf []byte) Future {
		calls++
		return 0
	}, le64(42), false)
	require.NoError(t, err)

	require.NoError(t, m.Execute())
	assert.Equal(t, 1, calls)
}

func TestExecute_PipelineWithFuture(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)
	// One item per batch, so each of the 4 items is its own invocation.
	m.InitTaskSize = 1

	xSplitterCalls := 0
	xInit := func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
		*numItems = 4
		return nil
	}
	xNext := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		xSplitterCalls++
		*(*int64)(out) = start
		return annotation.SplitterContinue
	}

	t1Annotation := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "int64_t", FuncName: "t1"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "x_splitter", Runtime: &annotation.RuntimeInfo{Initializer: xInit, Next: xNext, DataSize: 8}}},
		},
	}

	var t1Seen []int64
	future, err := m.RegisterTask(t1Annotation, func(buf []byte) Future {
		v := int64(binary.LittleEndian.Uint64(buf))
		t1Seen = append(t1Seen, v)
		return Future(v * 10)
	}, le64(0), true)
	require.NoError(t, err)
	require.NotNil(t, future)

	t2Annotation := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "t2"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Broadcast, Runtime: &annotation.RuntimeInfo{DataSize: 8}}},
			{Type: annotation.SplitType{Kind: annotation.Broadcast, Runtime: &annotation.RuntimeInfo{DataSize: 8}}},
		},
	}

	var t2Seen []int64
	futureBuf := le64(int64(*future))
	_, err = m.RegisterTask(t2Annotation, func(buf []byte) Future {
		first := int64(binary.LittleEndian.Uint64(buf[:8]))
		t2Seen = append(t2Seen, first)
		return 0
	}, append(futureBuf, le64(7)...), false)
	require.NoError(t, err)

	require.NoError(t, m.Execute())

	assert.Equal(t, []int64{0, 1, 2, 3}, t1Seen)
	assert.Equal(t, []int64{0, 10, 20, 30}, t2Seen)
}

func TestExecute_ZeroItemsSkipsCallbacks(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)

	init := func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
		*numItems = 0
		return nil
	}
	next := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		t.Fatalf("next() should never be called when num_items == 0")
		return annotation.SplitterFinished
	}

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "f"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "s", Runtime: &annotation.RuntimeInfo{Initializer: init, Next: next, DataSize: 8}}},
		},
	}

	called := 0
	_, err := m.RegisterTask(a, func(buf []byte) Future {
		called++
		return 0
	}, le64(0), false)
	require.NoError(t, err)

	var mergeCalls []int64
	outBuf := make([]byte, 8)
	outPtr := uintptr(unsafe.Pointer(&outBuf[0]))
	_, err = m.RegisterOutput(outPtr, countingMerger(&mergeCalls))
	require.NoError(t, err)

	require.NoError(t, m.Execute())
	assert.Equal(t, 0, called)
	require.Len(t, mergeCalls, 2) // one per-thread merge call, one final merge call
	assert.Equal(t, int64(0), mergeCalls[0])
}

func TestRegisterTask_PanicsOnGenericWithNoRuntimeInfo(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "f"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Generic, Name: "T"}},
		},
	}
	assert.Panics(t, func() {
		_, _ = m.RegisterTask(a, func(buf []byte) Future { return 0 }, nil, false)
	})
}

// With more threads than items, the per-thread share rounds down to zero:
// thread 0 takes the whole range and every other thread exits with an
// empty piece.
func TestThreadRange_ExtraThreadsGetNothing(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)
	m.Threads = 4

	start, end, ok := m.threadRange(2, 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(2), end)
	for tid := int64(1); tid < 4; tid++ {
		_, _, ok = m.threadRange(2, tid)
		assert.False(t, ok)
	}
}

func TestThreadRange_SingleThreadGetsEverythingEvenWhenDivisionRoundsDown(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)
	m.Threads = 8

	start, end, ok := m.threadRange(3, 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(3), end)
}

// Two Named split-type parameters feeding the same execute() that disagree
// on item count must panic: the design assumes every finite splitter agrees,
// and this is kept as a strict, fatal assertion rather than silently picking
// one.
func TestInitSplitters_PanicsOnItemCountMismatch(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)

	mkInit := func(n int64) annotation.SplitterInitFn {
		return func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
			*numItems = n
			return nil
		}
	}
	next := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		return annotation.SplitterContinue
	}

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "f"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "a", Runtime: &annotation.RuntimeInfo{Initializer: mkInit(4), Next: next, DataSize: 8}}},
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "b", Runtime: &annotation.RuntimeInfo{Initializer: mkInit(5), Next: next, DataSize: 8}}},
		},
	}

	_, err := m.RegisterTask(a, func(buf []byte) Future { return 0 }, append(le64(1), le64(2)...), false)
	require.NoError(t, err)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		msg, ok := r.(string)
		require.True(t, ok)
		assert.Contains(t, msg, ErrSplitterItemMismatch.Error())
	}()
	_ = m.Execute()
}

// Four worker threads over 1000 items, batched 256 at a time, drives the
// goroutine-pool path (Execute's errgroup branch) instead of the
// single-thread shortcut: thread 0 gets [0,250), thread 3 gets [750,1000),
// each range small enough that every thread emits exactly one piece, so the
// final merge sees exactly 4 pieces, one per thread, in tid order.
func TestExecute_ParallelSumAcrossFourThreads(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)
	m.Threads = 4
	m.InitTaskSize = 256

	const numItems = 1000

	init := func(value, initArgs unsafe.Pointer, numItemsOut *int64) unsafe.Pointer {
		*numItemsOut = numItems
		return nil
	}

	var rangesMu sync.Mutex
	var gotRanges [][2]int64

	next := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		rangesMu.Lock()
		gotRanges = append(gotRanges, [2]int64{start, end})
		rangesMu.Unlock()
		binary.LittleEndian.PutUint64(unsafe.Slice((*byte)(out), 8), uint64(end-start))
		return annotation.SplitterContinue
	}

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "int64_t", FuncName: "sum"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "xs", Runtime: &annotation.RuntimeInfo{Initializer: init, Next: next, DataSize: 8}}},
		},
	}

	future, err := m.RegisterTask(a, func(buf []byte) Future {
		return Future(int64(binary.LittleEndian.Uint64(buf)))
	}, le64(0), true)
	require.NoError(t, err)
	require.NotNil(t, future)

	futureBuf := le64(int64(*future))
	futureBufPtr := uintptr(unsafe.Pointer(&futureBuf[0]))

	var mergeMu sync.Mutex
	var mergeCalls []int64
	merger := func(pieces []byte, numPieces, numThreads int64) uintptr {
		mergeMu.Lock()
		mergeCalls = append(mergeCalls, numPieces)
		mergeMu.Unlock()

		var sum int64
		for i := int64(0); i < numPieces; i++ {
			sum += int64(binary.LittleEndian.Uint64(pieces[i*8 : i*8+8]))
		}
		return uintptr(sum)
	}
	_, err = m.RegisterOutput(futureBufPtr, merger)
	require.NoError(t, err)

	require.NoError(t, m.Execute())

	sort.Slice(gotRanges, func(i, j int) bool { return gotRanges[i][0] < gotRanges[j][0] })
	assert.Equal(t, [][2]int64{{0, 250}, {250, 500}, {500, 750}, {750, 1000}}, gotRanges)

	require.Len(t, mergeCalls, 5) // one per-thread merge (each a single piece) plus the final merge
	for _, c := range mergeCalls[:4] {
		assert.Equal(t, int64(1), c)
	}
	assert.Equal(t, int64(4), mergeCalls[len(mergeCalls)-1])

	assert.Equal(t, int64(250+250+250+250), int64(binary.LittleEndian.Uint64(futureBuf)))
}

// A splitter reporting SplitterFinished mid-run stops its thread's driver
// loop immediately: batches already processed contribute pieces, later ones
// never run.
func TestExecute_SplitterFinishedStopsTheDriverLoop(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)
	m.InitTaskSize = 2

	init := func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
		*numItems = 10
		return nil
	}
	next := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		if start >= 4 {
			return annotation.SplitterFinished
		}
		binary.LittleEndian.PutUint64(unsafe.Slice((*byte)(out), 8), uint64(start))
		return annotation.SplitterContinue
	}

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "f"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "s", Runtime: &annotation.RuntimeInfo{Initializer: init, Next: next, DataSize: 8}}},
		},
	}

	calls := 0
	_, err := m.RegisterTask(a, func(buf []byte) Future {
		calls++
		return 0
	}, le64(0), false)
	require.NoError(t, err)

	var mergeCalls []int64
	outBuf := le64(0)
	_, err = m.RegisterOutput(uintptr(unsafe.Pointer(&outBuf[0])), countingMerger(&mergeCalls))
	require.NoError(t, err)

	require.NoError(t, m.Execute())

	// Batches [0,2) and [2,4) run; the batch starting at 4 is cut short.
	assert.Equal(t, 2, calls)
	require.Len(t, mergeCalls, 2)
	assert.Equal(t, int64(2), mergeCalls[0])
}

// Three tasks whose second argument packs the same 8-byte value share one
// argument ID for it, and the table holds a single entry for that value.
func TestRegisterTask_DeduplicatesArgumentsAcrossTasks(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "f"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Broadcast, Runtime: &annotation.RuntimeInfo{DataSize: 8}}},
			{Type: annotation.SplitType{Kind: annotation.Broadcast, Runtime: &annotation.RuntimeInfo{DataSize: 8}}},
		},
	}

	shared := le64(0xabcd)
	for i := int64(0); i < 3; i++ {
		_, err := m.RegisterTask(a, func(buf []byte) Future { return 0 }, append(le64(i), shared...), false)
		require.NoError(t, err)
	}

	require.Len(t, m.tasks, 3)
	sharedID := m.tasks[0].Arguments[1]
	assert.Equal(t, sharedID, m.tasks[1].Arguments[1])
	assert.Equal(t, sharedID, m.tasks[2].Arguments[1])
	assert.Equal(t, shared, args.Get(sharedID))
	// 3 distinct first arguments plus the one shared second argument.
	assert.Equal(t, 4, args.Len())
}

// Execute frees every splitter handle the planner initialized, through the
// FreeSplitterHandle hook when one is installed.
func TestExecute_FreesSplitterHandles(t *testing.T) {
	var freed []unsafe.Pointer
	prev := FreeSplitterHandle
	FreeSplitterHandle = func(p unsafe.Pointer) { freed = append(freed, p) }
	defer func() { FreeSplitterHandle = prev }()

	args := argument.NewTable()
	m := NewManager(args)

	handle := new(int64)
	init := func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
		*numItems = 1
		return unsafe.Pointer(handle)
	}
	next := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		require.Equal(t, unsafe.Pointer(handle), splitter)
		return annotation.SplitterContinue
	}

	a := &annotation.Annotation{
		Function: annotation.CDecl{ReturnType: "void", FuncName: "f"},
		Params: []annotation.Parameter{
			{Type: annotation.SplitType{Kind: annotation.Named, Name: "s", Runtime: &annotation.RuntimeInfo{Initializer: init, Next: next, DataSize: 8}}},
		},
	}
	_, err := m.RegisterTask(a, func(buf []byte) Future { return 0 }, le64(0), false)
	require.NoError(t, err)

	require.NoError(t, m.Execute())
	assert.Equal(t, []unsafe.Pointer{unsafe.Pointer(handle)}, freed)
}

// Once Execute finishes, the argument de-duplication table is cleared — a
// buffer byte-equal to one from the finished graph is assigned a fresh,
// higher ID rather than reusing the old one.
func TestExecute_ClearsArgumentTable(t *testing.T) {
	args := argument.NewTable()
	m := NewManager(args)

	a := broadcastAnnotation(8)
	_, err := m.RegisterTask(a, func(buf []byte) Future { return 0 }, le64(42), false)
	require.NoError(t, err)

	firstID := args.Intern(le64(42))
	require.NoError(t, m.Execute())

	assert.Equal(t, 0, args.Len())
	secondID := args.Intern(le64(42))
	assert.Greater(t, secondID, firstID)
}
