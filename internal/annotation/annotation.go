// Package annotation models the runtime form of a splitability annotation:
// the declarative description, attached to one C (or cgo-wrapped Go)
// function, of how each of its arguments may be partitioned across worker
// threads.
//
// Annotations are parsed once at load time from the JSON emitted by the
// (out of scope) annotation-file parser / header generator, then have their
// "runtime" slots — function pointers and data sizes, only known once the
// generated header is compiled — filled in by a second call.
package annotation

import (
	"encoding/json"
	"fmt"
	"unsafe"

	"github.com/weld-project/composer-go/internal/rtlog"
)

// SplitterStatus reports whether a splitter has more items to emit.
type SplitterStatus int32

const (
	SplitterContinue SplitterStatus = 0
	SplitterFinished SplitterStatus = 1
)

func (s SplitterStatus) String() string {
	switch s {
	case SplitterContinue:
		return "SplitterContinue"
	case SplitterFinished:
		return "SplitterFinished"
	default:
		return fmt.Sprintf("SplitterStatus(%d)", int32(s))
	}
}

// SplitterInitFn initializes a splitter over value, given the bytes of the
// split type's declared init-args struct, and reports the number of items
// the splitter will emit (or ComposerInfiniteItems for broadcast-like
// sources). The returned pointer is opaque runtime state for SplitterNextFn.
type SplitterInitFn func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer

// SplitterNextFn extracts the piece covering [start, end) from splitter into
// out, which is sized to the split type's DataSize.
type SplitterNextFn func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) SplitterStatus

// RuntimeInfo holds the parts of a split type only known once the
// generated header has been compiled: the splitter's function pointers and
// the byte size of the value it splits.
type RuntimeInfo struct {
	Initializer SplitterInitFn
	Next        SplitterNextFn
	DataSize    int
}

// Kind tags the variant of a SplitType.
type Kind int

const (
	// Broadcast values are replicated, unchanged, to every thread.
	Broadcast Kind = iota
	// Generic split types are placeholders: type-generic resolution is
	// out of scope and rejected at execute time, by design.
	Generic
	// Named split types are driven by a user-supplied splitter.
	Named
)

func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "Broadcast"
	case Generic:
		return "Generic"
	case Named:
		return "Named"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SplitType is a tagged value describing how one function argument may be
// partitioned. Dispatch on it is by Kind, not by Go interface polymorphism:
// the three variants share almost all of their runtime handling and form a
// closed set.
type SplitType struct {
	Kind Kind
	// Name identifies the split type for Generic and Named variants; empty
	// for Broadcast.
	Name string
	// NumArgs is, for Named types only, the number of task arguments the
	// splitter's initializer expects (the length of the owning Parameter's
	// Arguments slice, duplicated here because it is part of the type's own
	// JSON representation).
	NumArgs int
	// Runtime is nil until SetSplitTypeInfo populates it. It is never
	// populated for Generic.
	Runtime *RuntimeInfo
}

// IsBroadcast reports whether t is the Broadcast variant.
func (t SplitType) IsBroadcast() bool { return t.Kind == Broadcast }

// IsNamed reports whether t is the Named variant.
func (t SplitType) IsNamed() bool { return t.Kind == Named }

// RuntimeInfo returns t's runtime info. It panics if t is Generic or if the
// runtime info has not yet been set — both are programming errors in the
// caller (the planner never calls this on a Generic type; see
// Manager.initSplitters in internal/task).
func (t SplitType) RuntimeInfo() *RuntimeInfo {
	if t.Kind == Generic {
		panic("annotation: attempted to retrieve runtime information from a Generic split type")
	}
	if t.Runtime == nil {
		panic("annotation: split type has no runtime information set")
	}
	return t.Runtime
}

// Parameter pairs a SplitType with the indices, into the owning function's
// argument list, of the values fed to the split type's initializer.
//
// For example Arguments == []int{1, 2, 4} means the second, third, and
// fifth task arguments are concatenated and passed as the splitter's
// init-args struct.
type Parameter struct {
	Type      SplitType
	Arguments []int
}

// Argument is one entry in a CDecl's argument list: a C type string and an
// optional parameter name (names are cosmetic; only ordering and type
// matter to the runtime).
type Argument struct {
	Type string
	Name string // empty if the original declaration omitted it
}

// CDecl is the C declaration of one annotated function.
type CDecl struct {
	ReturnType string
	FuncName   string
	Arguments  []Argument
}

// IsVoid reports whether the declared return type is "void".
func (d CDecl) IsVoid() bool { return d.ReturnType == "void" }

// String renders d as a C declaration, e.g. "int foo(const char* s, int n)".
func (d CDecl) String() string {
	args := ""
	for i, a := range d.Arguments {
		if i > 0 {
			args += ", "
		}
		args += a.Type
		if a.Name != "" {
			args += " " + a.Name
		}
	}
	return fmt.Sprintf("%s %s(%s)", d.ReturnType, d.FuncName, args)
}

// Annotation is the complete splitability description for one function.
type Annotation struct {
	Function    CDecl
	Params      []Parameter
	ReturnParam *Parameter // nil if the function's return value is not split
	Defaults    map[string]SplitType
}

// FromJSON parses an annotation from the JSON document produced by the
// (out of scope) annotation-file parser.
func FromJSON(s string) (*Annotation, error) {
	var doc jsonAnnotation
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("annotation: parse: %w", err)
	}
	return doc.toAnnotation()
}

// ToJSON renders a back into the wire format FromJSON accepts. Runtime
// slots are never serialized; a round-tripped annotation comes back with
// every Runtime nil, ready for SetTypeRuntimeInfo.
func (a *Annotation) ToJSON() (string, error) {
	args := make([]jsonArgument, len(a.Function.Arguments))
	for i, arg := range a.Function.Arguments {
		args[i] = jsonArgument{Type: arg.Type, Name: arg.Name}
	}
	doc := jsonAnnotation{
		Function: jsonCDecl{
			ReturnType: a.Function.ReturnType,
			FuncName:   a.Function.FuncName,
			Arguments:  args,
		},
		Params:   make([]jsonParameter, len(a.Params)),
		Defaults: a.Defaults,
	}
	for i, p := range a.Params {
		doc.Params[i] = jsonParameter{Type: p.Type, Arguments: p.Arguments}
	}
	if a.ReturnParam != nil {
		doc.ReturnParam = &jsonParameter{Type: a.ReturnParam.Type, Arguments: a.ReturnParam.Arguments}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("annotation: serialize: %w", err)
	}
	return string(b), nil
}

// SetTypeRuntimeInfo fills in the runtime slot of the index'th parameter.
// Silently ignored (with a warning logged) for Generic split types, which
// never carry runtime info.
func (a *Annotation) SetTypeRuntimeInfo(index int, rt RuntimeInfo) error {
	if index < 0 || index >= len(a.Params) {
		return fmt.Errorf("annotation: SetTypeRuntimeInfo: index %d out of range (%d params)", index, len(a.Params))
	}
	param := &a.Params[index]
	if param.Type.Kind == Generic {
		rtlog.Logger.Warn().
			Str("func", a.Function.FuncName).
			Int("index", index).
			Msg("instantiated generic split type with no runtime info")
		return nil
	}
	param.Type.Runtime = &rt
	return nil
}

// Clone returns a deep copy of a, safe to store on a Task independent of
// further mutation of a (e.g. a later SetTypeRuntimeInfo call on an
// annotation still being wired up for a different argument).
func (a *Annotation) Clone() *Annotation {
	cp := *a
	cp.Function.Arguments = append([]Argument(nil), a.Function.Arguments...)
	cp.Params = make([]Parameter, len(a.Params))
	for i, p := range a.Params {
		pc := p
		pc.Arguments = append([]int(nil), p.Arguments...)
		if p.Type.Runtime != nil {
			rt := *p.Type.Runtime
			pc.Type.Runtime = &rt
		}
		cp.Params[i] = pc
	}
	if a.ReturnParam != nil {
		rp := *a.ReturnParam
		rp.Arguments = append([]int(nil), a.ReturnParam.Arguments...)
		cp.ReturnParam = &rp
	}
	if a.Defaults != nil {
		cp.Defaults = make(map[string]SplitType, len(a.Defaults))
		for k, v := range a.Defaults {
			cp.Defaults[k] = v
		}
	}
	return &cp
}

// --- JSON wire format -------------------------------------------------
//
// The annotation-file parser emits an externally-tagged representation for
// SplitType, matching the upstream tool's serde output:
//
//	{"Broadcast": {"runtime": null}}
//	{"Generic": {"name": "T"}}
//	{"Named": {"name": "vec_splitter", "arguments": 2, "runtime": null}}
//
// The runtime slot is always null on the wire (some emitters drop it, or
// collapse Broadcast's payload to a bare null; both forms are accepted);
// it is populated later via SetTypeRuntimeInfo.

type jsonSplitType struct {
	// RawMessage rather than a struct pointer: the Broadcast payload may be
	// {"runtime": null}, {}, or a bare null, and only key presence matters.
	Broadcast json.RawMessage  `json:"Broadcast,omitempty"`
	Generic   *jsonGenericType `json:"Generic,omitempty"`
	Named     *jsonNamedType   `json:"Named,omitempty"`
}

type jsonGenericType struct {
	Name string `json:"name"`
}

type jsonNamedType struct {
	Name      string    `json:"name"`
	Arguments int       `json:"arguments"`
	Runtime   *struct{} `json:"runtime"`
}

func (t SplitType) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case Broadcast:
		return []byte(`{"Broadcast":{"runtime":null}}`), nil
	case Generic:
		return json.Marshal(jsonSplitType{Generic: &jsonGenericType{Name: t.Name}})
	case Named:
		return json.Marshal(jsonSplitType{Named: &jsonNamedType{Name: t.Name, Arguments: t.NumArgs}})
	default:
		return nil, fmt.Errorf("annotation: cannot marshal split type with unknown kind %d", t.Kind)
	}
}

func (t *SplitType) UnmarshalJSON(b []byte) error {
	var doc jsonSplitType
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	switch {
	case len(doc.Broadcast) > 0:
		*t = SplitType{Kind: Broadcast}
	case doc.Generic != nil:
		*t = SplitType{Kind: Generic, Name: doc.Generic.Name}
	case doc.Named != nil:
		*t = SplitType{Kind: Named, Name: doc.Named.Name, NumArgs: doc.Named.Arguments}
	default:
		return fmt.Errorf("annotation: split type JSON has no recognized tag: %s", b)
	}
	return nil
}

type jsonArgument struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// UnmarshalJSON accepts both `["int", "n"]` and `["int"]` forms, since
// argument names are optional in the source annotation files.
func (a *jsonArgument) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("annotation: argument tuple must have 1 or 2 elements, got %d", len(pair))
		}
		a.Type = pair[0]
		if len(pair) == 2 {
			a.Name = pair[1]
		}
		return nil
	}
	var obj jsonArgument
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("annotation: cannot parse argument: %w", err)
	}
	*a = obj
	return nil
}

func (a jsonArgument) MarshalJSON() ([]byte, error) {
	if a.Name == "" {
		return json.Marshal([]string{a.Type})
	}
	return json.Marshal([]string{a.Type, a.Name})
}

type jsonCDecl struct {
	ReturnType string         `json:"return_type"`
	FuncName   string         `json:"func_name"`
	Arguments  []jsonArgument `json:"arguments"`
}

type jsonParameter struct {
	Type      SplitType `json:"ty"`
	Arguments []int     `json:"arguments"`
}

type jsonAnnotation struct {
	Function    jsonCDecl            `json:"function"`
	Params      []jsonParameter      `json:"params"`
	ReturnParam *jsonParameter       `json:"return_param,omitempty"`
	Defaults    map[string]SplitType `json:"defaults,omitempty"`
}

func (doc *jsonAnnotation) toAnnotation() (*Annotation, error) {
	args := make([]Argument, len(doc.Function.Arguments))
	for i, a := range doc.Function.Arguments {
		args[i] = Argument{Type: a.Type, Name: a.Name}
	}
	a := &Annotation{
		Function: CDecl{
			ReturnType: doc.Function.ReturnType,
			FuncName:   doc.Function.FuncName,
			Arguments:  args,
		},
		Params:   make([]Parameter, len(doc.Params)),
		Defaults: doc.Defaults,
	}
	for i, p := range doc.Params {
		a.Params[i] = Parameter{Type: p.Type, Arguments: append([]int(nil), p.Arguments...)}
	}
	if doc.ReturnParam != nil {
		a.ReturnParam = &Parameter{
			Type:      doc.ReturnParam.Type,
			Arguments: append([]int(nil), doc.ReturnParam.Arguments...),
		}
	}
	return a, nil
}
