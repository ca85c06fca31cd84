package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_KeyOrder(t *testing.T) {
	obj := Object{"b": Int(2), "a": Int(1), "aa": Int(3)}

	data, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"aa":3,"b":2}`, string(data))
}

func TestMarshalCanonical_UTF16Ordering(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...), so it sorts before
	// U+E000 in UTF-16 even though it sorts after it in UTF-8.
	obj := Object{"\U0001F600": Int(1), "\uE000": Int(2)}

	data, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uE000\":2}", string(data))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	data, err := MarshalCanonical(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(data))
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9.
	data, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(data))
}

func TestMarshalCanonical_LineSeparators(t *testing.T) {
	data, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(data))

	// A literal backslash followed by "u2028" stays escaped.
	data, err = MarshalCanonical(String(`x\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(data))
}

func TestMarshalCanonical_Null(t *testing.T) {
	data, err := MarshalCanonical(Object{"closed_at": Null{}})
	require.NoError(t, err)
	assert.Equal(t, `{"closed_at":null}`, string(data))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.25})
	require.Error(t, err)
}

func TestMarshalCanonical_PlainGoValues(t *testing.T) {
	data, err := MarshalCanonical(map[string]any{
		"seq":    int64(3),
		"events": []any{"a", true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"events":["a",true],"seq":3}`, string(data))
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	obj := Object{
		"title":  String("Complaint"),
		"count":  Int(2),
		"report": Ref{Type: "Report", LocalID: 1},
		"tags":   Array{String("x"), String("y")},
	}

	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := MarshalCanonical(obj.Clone())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
