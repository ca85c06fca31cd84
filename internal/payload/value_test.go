package payload

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RejectsFloats(t *testing.T) {
	_, err := Parse([]byte(`{"amount": 1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")

	_, err = Parse([]byte(`{"amount": 1e3}`))
	require.Error(t, err)
}

func TestParse_RejectsNonObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected JSON object")
}

func TestParse_AllKinds(t *testing.T) {
	obj, err := Parse([]byte(`{
		"title": "Complaint",
		"count": 3,
		"urgent": true,
		"closed_at": null,
		"tags": ["a", "b"],
		"meta": {"source": "intake"},
		"report": {"$ref": {"type": "Report", "local_id": 7}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, String("Complaint"), obj["title"])
	assert.Equal(t, Int(3), obj["count"])
	assert.Equal(t, Bool(true), obj["urgent"])
	assert.Equal(t, Null{}, obj["closed_at"])
	assert.Equal(t, Array{String("a"), String("b")}, obj["tags"])
	assert.Equal(t, Object{"source": String("intake")}, obj["meta"])
	assert.Equal(t, Ref{Type: "Report", LocalID: 7}, obj["report"])
}

func TestParse_RefRequiresPositiveLocalID(t *testing.T) {
	_, err := Parse([]byte(`{"report": {"$ref": {"type": "Report", "local_id": 0}}}`))
	require.Error(t, err)

	_, err = Parse([]byte(`{"report": {"$ref": {"local_id": 3}}}`))
	require.Error(t, err)
}

func TestParse_RefKeyWithSiblingsIsPlainObject(t *testing.T) {
	obj, err := Parse([]byte(`{"x": {"$ref": "literal", "other": 1}}`))
	require.NoError(t, err)

	inner, ok := obj["x"].(Object)
	require.True(t, ok)
	assert.Equal(t, String("literal"), inner["$ref"])
}

func TestFromAny_YAMLShapes(t *testing.T) {
	v, err := FromAny(map[string]any{
		"n":    42,
		"list": []any{"x", int64(2)},
		"ref":  map[string]any{"$ref": map[string]any{"type": "Report", "local_id": 1}},
	})
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(42), obj["n"])
	assert.Equal(t, Array{String("x"), Int(2)}, obj["list"])
	assert.Equal(t, Ref{Type: "Report", LocalID: 1}, obj["ref"])

	_, err = FromAny(map[string]any{"f": 0.5})
	require.Error(t, err)
}

func TestObject_JSONRoundTripIsCanonical(t *testing.T) {
	obj := New(
		F("z", Int(1)),
		F("a", String("first")),
		F("report", Ref{Type: "Report", LocalID: 2}),
	)

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"first","report":{"$ref":{"local_id":2,"type":"Report"}},"z":1}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}

func TestObject_CloneIsDeep(t *testing.T) {
	orig := Object{"meta": Object{"k": String("v")}, "list": Array{Int(1)}}
	cp := orig.Clone()

	cp["meta"].(Object)["k"] = String("changed")
	cp["list"].(Array)[0] = Int(9)

	assert.Equal(t, String("v"), orig["meta"].(Object)["k"])
	assert.Equal(t, Int(1), orig["list"].(Array)[0])
}

func TestObject_Refs(t *testing.T) {
	obj := Object{
		"report":     Ref{Type: "Report", LocalID: 1},
		"witnesses":  Array{Ref{Type: "Respondent", LocalID: 4}, Ref{Type: "Respondent", LocalID: 4}},
		"attachment": Object{"evidence": Ref{Type: "Evidence", LocalID: 9}},
	}

	assert.Equal(t, []Ref{
		{Type: "Evidence", LocalID: 9},
		{Type: "Report", LocalID: 1},
		{Type: "Respondent", LocalID: 4},
	}, obj.Refs())

	assert.Empty(t, Object{"title": String("x")}.Refs())
}

func TestObject_Rewrite(t *testing.T) {
	obj := Object{
		"title":  String("Photo"),
		"report": Ref{Type: "Report", LocalID: 1},
		"nested": Array{Object{"r": Ref{Type: "Report", LocalID: 1}}},
	}

	out, err := obj.Rewrite(func(r Ref) (Value, error) {
		return String("R-100"), nil
	})
	require.NoError(t, err)

	assert.Equal(t, String("R-100"), out["report"])
	assert.Equal(t, String("R-100"), out["nested"].(Array)[0].(Object)["r"])
	// original untouched
	assert.Equal(t, Ref{Type: "Report", LocalID: 1}, obj["report"])
}

func TestObject_RewriteStopsOnError(t *testing.T) {
	sentinel := errors.New("unmapped")
	obj := Object{"report": Ref{Type: "Report", LocalID: 1}}

	_, err := obj.Rewrite(func(Ref) (Value, error) { return nil, sentinel })
	assert.ErrorIs(t, err, sentinel)
}
