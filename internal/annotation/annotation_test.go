package annotation

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSON_ParsesAllSplitTypeVariants(t *testing.T) {
	doc := `{
		"function": {
			"return_type": "void",
			"func_name": "vec_add",
			"arguments": [["double*", "a"], ["double*", "b"], ["int", "n"]]
		},
		"params": [
			{"ty": {"Named": {"name": "vec_splitter", "arguments": 2}}, "arguments": [0, 2]},
			{"ty": {"Broadcast": null}, "arguments": [1]}
		],
		"return_param": {"ty": {"Generic": {"name": "T"}}, "arguments": []}
	}`

	a, err := FromJSON(doc)
	require.NoError(t, err)

	assert.Equal(t, "vec_add", a.Function.FuncName)
	assert.True(t, a.Function.IsVoid())
	assert.Equal(t, "void vec_add(double* a, double* b, int n)", a.Function.String())

	require.Len(t, a.Params, 2)
	assert.Equal(t, Named, a.Params[0].Type.Kind)
	assert.Equal(t, "vec_splitter", a.Params[0].Type.Name)
	assert.Equal(t, 2, a.Params[0].Type.NumArgs)
	assert.Equal(t, []int{0, 2}, a.Params[0].Arguments)
	assert.True(t, a.Params[0].Type.IsNamed())

	assert.Equal(t, Broadcast, a.Params[1].Type.Kind)
	assert.True(t, a.Params[1].Type.IsBroadcast())

	require.NotNil(t, a.ReturnParam)
	assert.Equal(t, Generic, a.ReturnParam.Type.Kind)
}

func TestJSONRoundTrip_IsStructurallyIdentical(t *testing.T) {
	doc := `{
		"function": {
			"return_type": "double",
			"func_name": "dot",
			"arguments": [["double*", "a"], ["double*"], ["int", "n"]]
		},
		"params": [
			{"ty": {"Named": {"name": "vec_splitter", "arguments": 1, "runtime": null}}, "arguments": [2]},
			{"ty": {"Broadcast": {"runtime": null}}, "arguments": []},
			{"ty": {"Generic": {"name": "T"}}, "arguments": []}
		],
		"return_param": {"ty": {"Broadcast": {"runtime": null}}, "arguments": []}
	}`

	a, err := FromJSON(doc)
	require.NoError(t, err)

	out, err := a.ToJSON()
	require.NoError(t, err)

	b, err := FromJSON(out)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFromJSON_AcceptsBareNullBroadcastPayload(t *testing.T) {
	doc := `{"function":{"return_type":"void","func_name":"f","arguments":[]},"params":[{"ty":{"Broadcast":null},"arguments":[]}]}`
	a, err := FromJSON(doc)
	require.NoError(t, err)
	require.Len(t, a.Params, 1)
	assert.True(t, a.Params[0].Type.IsBroadcast())
}

func TestFromJSON_RejectsMalformedSplitType(t *testing.T) {
	_, err := FromJSON(`{"function":{"return_type":"void","func_name":"f","arguments":[]},"params":[{"ty":{},"arguments":[]}]}`)
	assert.Error(t, err)
}

func TestArgument_NameIsOptional(t *testing.T) {
	doc := `{"function":{"return_type":"int","func_name":"f","arguments":[["int"]]},"params":[]}`
	a, err := FromJSON(doc)
	require.NoError(t, err)
	require.Len(t, a.Function.Arguments, 1)
	assert.Equal(t, "int", a.Function.Arguments[0].Type)
	assert.Empty(t, a.Function.Arguments[0].Name)
}

func TestSplitType_RuntimeInfoPanicsWithoutRuntime(t *testing.T) {
	st := SplitType{Kind: Named, Name: "splitter"}
	assert.Panics(t, func() { st.RuntimeInfo() })
}

func TestSplitType_RuntimeInfoPanicsOnGeneric(t *testing.T) {
	st := SplitType{Kind: Generic, Name: "T"}
	assert.Panics(t, func() { st.RuntimeInfo() })
}

func TestAnnotation_SetTypeRuntimeInfo(t *testing.T) {
	a := &Annotation{
		Function: CDecl{ReturnType: "void", FuncName: "f"},
		Params: []Parameter{
			{Type: SplitType{Kind: Named, Name: "s"}, Arguments: []int{0}},
			{Type: SplitType{Kind: Generic, Name: "T"}, Arguments: []int{1}},
		},
	}

	called := 0
	initFn := func(value, initArgs unsafe.Pointer, numItems *int64) unsafe.Pointer {
		called++
		return nil
	}
	nextFn := func(splitter unsafe.Pointer, start, end int64, out unsafe.Pointer) SplitterStatus {
		return SplitterFinished
	}

	require.NoError(t, a.SetTypeRuntimeInfo(0, RuntimeInfo{Initializer: initFn, Next: nextFn, DataSize: 8}))
	require.NotNil(t, a.Params[0].Type.Runtime)
	assert.Equal(t, 8, a.Params[0].Type.Runtime.DataSize)
	a.Params[0].Type.Runtime.Initializer(nil, nil, nil)
	assert.Equal(t, 1, called)

	// Generic params silently ignore runtime info.
	require.NoError(t, a.SetTypeRuntimeInfo(1, RuntimeInfo{Initializer: initFn, Next: nextFn, DataSize: 4}))
	assert.Nil(t, a.Params[1].Type.Runtime)

	assert.Error(t, a.SetTypeRuntimeInfo(5, RuntimeInfo{}))
}

func TestAnnotation_CloneIsDeep(t *testing.T) {
	a := &Annotation{
		Function: CDecl{ReturnType: "void", FuncName: "f", Arguments: []Argument{{Type: "int", Name: "n"}}},
		Params: []Parameter{
			{Type: SplitType{Kind: Named, Name: "s", Runtime: &RuntimeInfo{DataSize: 4}}, Arguments: []int{0}},
		},
		ReturnParam: &Parameter{Type: SplitType{Kind: Broadcast}, Arguments: []int{1}},
		Defaults:    map[string]SplitType{"x": {Kind: Broadcast}},
	}

	cp := a.Clone()
	cp.Function.Arguments[0].Name = "mutated"
	cp.Params[0].Arguments[0] = 99
	cp.Params[0].Type.Runtime.DataSize = 999
	cp.ReturnParam.Arguments[0] = 7
	cp.Defaults["x"] = SplitType{Kind: Named}

	assert.Equal(t, "n", a.Function.Arguments[0].Name)
	assert.Equal(t, []int{0}, a.Params[0].Arguments)
	assert.Equal(t, 4, a.Params[0].Type.Runtime.DataSize)
	assert.Equal(t, []int{1}, a.ReturnParam.Arguments)
	assert.Equal(t, Broadcast, a.Defaults["x"].Kind)
}
