// Command libcomposer is the cgo boundary that exposes the composer
// runtime as a C shared/static library, matching the external interface a
// generated annotation header expects to link against.
//
// Every exported function here does one of two things: translate a C
// argument into the equivalent Go value and call straight into the
// composer package, or wrap a raw C function pointer (an annotation's
// splitter/merger/wrapper) in a closure that calls it through one of the
// trampolines in trampoline.c. Nothing outside this package ever handles
// a raw function pointer or an unsafe.Pointer that didn't originate here.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include "trampoline.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime/cgo"
	"unsafe"

	"github.com/weld-project/composer-go"
	"github.com/weld-project/composer-go/internal/annotation"
	"github.com/weld-project/composer-go/internal/rtlog"
	"github.com/weld-project/composer-go/internal/task"
)

func main() {}

func init() {
	composer.FaultHandlerInstaller = installFaultHandler
	// Splitter state crossing this boundary is malloc'd by the C
	// initializer and owned by the runtime afterward.
	task.FreeSplitterHandle = func(p unsafe.Pointer) { C.free(p) }
}

// annotationHandle is an opaque handle to a *annotation.Annotation, valid
// until freed by the generator-produced code (this library never frees
// one itself; annotations live for the process lifetime in practice).
type annotationHandle = C.uintptr_t

//export composer_init
func composer_init(threads C.int64_t, pieceSize C.int64_t) {
	if err := composer.Init(int64(threads), int64(pieceSize)); err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("composer_init failed")
	}
}

// installFaultHandler registers the real sigaction-based SIGSEGV/SIGBUS
// handler (trampoline.c) that lets plain C code touching a lazily-protected
// arena drive execution, not just Go code calling composer.Access directly.
// composer.Init calls this before any other runtime operation.
func installFaultHandler() error {
	switch rc := C.composer_install_fault_handler(); rc {
	case 0:
		return nil
	case -1:
		return errors.New("sigaction: installation failed")
	case -2:
		return errors.New("fault signal's prior disposition was default")
	case -3:
		return errors.New("fault signal's prior disposition was ignore")
	default:
		return fmt.Errorf("composer_install_fault_handler: unexpected result %d", int(rc))
	}
}

//export composerHandleFault
func composerHandleFault(addr C.uintptr_t) C.int {
	if composer.HandleFault(uintptr(addr)) {
		return 1
	}
	return 0
}

//export composer_malloc
func composer_malloc(size C.size_t, lazy C.int) unsafe.Pointer {
	ptr, err := composer.Malloc(int(size), lazy != 0)
	if err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("composer_malloc failed")
	}
	return unsafe.Pointer(ptr)
}

//export composer_tolazy
func composer_tolazy(pointer unsafe.Pointer) {
	if err := composer.ToLazy(uintptr(pointer)); err != nil {
		rtlog.Logger.Warn().Err(err).Msg("composer_tolazy failed")
	}
}

//export composer_free
func composer_free(pointer unsafe.Pointer) {
	composer.Free(uintptr(pointer))
}

//export composer_evaluate
func composer_evaluate() C.int {
	if composer.Evaluate() {
		return 1
	}
	return 0
}

//export composer_emit
func composer_emit(pointer unsafe.Pointer, size C.size_t, merger C.intptr_t) {
	if uint64(size) != 8 {
		rtlog.Logger.Fatal().Uint64("size", uint64(size)).Msg("composer_emit: output size must be pointer-sized")
	}
	mergerFn := wrapMerger(uintptr(merger))
	if err := composer.Emit(uintptr(pointer), mergerFn); err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("composer_emit failed")
	}
}

//export composer_register_function
func composer_register_function(annotationRef annotationHandle, callback C.uintptr_t, arguments unsafe.Pointer, returnsValue C.int32_t) C.intptr_t {
	a := resolveAnnotation(annotationRef)

	size := argumentsByteSize(a)
	var buf []byte
	if size > 0 {
		buf = unsafe.Slice((*byte)(arguments), size)
	}

	callbackFn := wrapWrapper(uintptr(callback))
	future, err := composer.RegisterFunction(a, callbackFn, buf, returnsValue != 0)
	if err != nil {
		rtlog.Logger.Error().Err(err).Msg("composer_register_function failed")
		return 0
	}
	return C.intptr_t(future)
}

//export composer_execute
func composer_execute() {
	if err := composer.Execute(); err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("composer_execute failed")
	}
}

//export composer_protect_all
func composer_protect_all() {
	if err := composer.ProtectAll(); err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("composer_protect_all failed")
	}
}

//export ComposerInfiniteItems
func ComposerInfiniteItems() C.int64_t {
	return C.int64_t(composer.InfiniteItems)
}

//export InitFromJson
func InitFromJson(s *C.char) annotationHandle {
	a, err := annotation.FromJSON(C.GoString(s))
	if err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("InitFromJson: invalid annotation")
	}
	return annotationHandle(cgo.NewHandle(a))
}

//export SetSplitTypeInfo
func SetSplitTypeInfo(annotationRef annotationHandle, index C.size_t, initializer C.uintptr_t, next C.uintptr_t, dataSize C.size_t) {
	a := resolveAnnotation(annotationRef)
	rt := annotation.RuntimeInfo{
		Initializer: wrapSplitterInit(uintptr(initializer)),
		Next:        wrapSplitterNext(uintptr(next)),
		DataSize:    int(dataSize),
	}
	if err := a.SetTypeRuntimeInfo(int(index), rt); err != nil {
		rtlog.Logger.Fatal().Err(err).Msg("SetSplitTypeInfo failed")
	}
}

func resolveAnnotation(h annotationHandle) *annotation.Annotation {
	return cgo.Handle(h).Value().(*annotation.Annotation)
}

func argumentsByteSize(a *annotation.Annotation) int {
	total := 0
	for _, p := range a.Params {
		total += p.Type.RuntimeInfo().DataSize
	}
	return total
}

// wrapWrapper turns a raw C wrapper-function pointer into a Go func value
// that calls it through the cgo trampoline.
func wrapWrapper(fn uintptr) task.WrapperCallback {
	return func(argBuf []byte) task.Future {
		var argPtr unsafe.Pointer
		if len(argBuf) > 0 {
			argPtr = unsafe.Pointer(&argBuf[0])
		}
		result := C.composer_call_wrapper(C.uintptr_t(fn), argPtr)
		return task.Future(result)
	}
}

// wrapMerger turns a raw C merger-function pointer into a Go func value
// that calls it through the cgo trampoline.
func wrapMerger(fn uintptr) task.MergerFn {
	return func(pieces []byte, numPieces, numThreads int64) uintptr {
		var piecesPtr unsafe.Pointer
		if len(pieces) > 0 {
			piecesPtr = unsafe.Pointer(&pieces[0])
		}
		result := C.composer_call_merger(C.uintptr_t(fn), piecesPtr, C.int64_t(numPieces), C.int64_t(numThreads))
		return uintptr(result)
	}
}

// wrapSplitterInit turns a raw C splitter-initializer pointer into a Go
// func value that calls it through the cgo trampoline.
func wrapSplitterInit(fn uintptr) annotation.SplitterInitFn {
	return func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
		return C.composer_call_splitter_init(C.uintptr_t(fn), value, initArgs, (*C.int64_t)(unsafe.Pointer(numItems)))
	}
}

// wrapSplitterNext turns a raw C splitter-next pointer into a Go func
// value that calls it through the cgo trampoline.
func wrapSplitterNext(fn uintptr) annotation.SplitterNextFn {
	return func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) annotation.SplitterStatus {
		status := C.composer_call_splitter_next(C.uintptr_t(fn), splitter, C.int64_t(start), C.int64_t(end), out)
		return annotation.SplitterStatus(status)
	}
}
