package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysByUTF16(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"b": 1,
		"a": 2,
		"c": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(got))
}

func TestMarshalCanonical_NestedStructures(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"outer": map[string]any{
			"z": []any{1, "two", true},
			"a": "x",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":"x","z":[1,"two",true]}}`, string(got))
}

func TestMarshalCanonical_IntegralFloatsBecomeInts(t *testing.T) {
	// encoding/json decodes all numbers as float64; integral values must
	// serialize without a fraction so fingerprints survive a decode
	// round-trip.
	got, err := MarshalCanonical(map[string]any{"n": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":42}`, string(got))
}

func TestMarshalCanonical_RejectsNonIntegralFloat(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"n": 4.5})
	assert.Error(t, err)
}

func TestMarshalCanonical_RejectsNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"n": nil})
	assert.Error(t, err)
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"s": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"<a>&</a>"}`, string(got))
}

func TestMarshalCanonical_LineSeparatorsStayLiteral(t *testing.T) {
	// U+2028/U+2029 are valid in JSON strings; they must not be escaped.
	got, err := MarshalCanonical(map[string]any{"s": "a b c"})
	require.NoError(t, err)
	assert.Equal(t, "{\"s\":\"a b c\"}", string(got))
}

func TestMarshalCanonical_EscapedBackslashBeforeU2028(t *testing.T) {
	// The literal text ` ` after a real backslash must survive.
	got, err := MarshalCanonical(map[string]any{"s": "\\u2028"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"\\u2028"}`, string(got))
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	v := map[string]any{"k1": "v", "k2": []any{map[string]any{"b": 1, "a": 2}}}
	first, err := MarshalCanonical(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestFingerprint_DomainSeparated(t *testing.T) {
	v := map[string]any{"a": 1}
	fp, err := Fingerprint(v)
	require.NoError(t, err)
	mk, err := MatchKey(v)
	require.NoError(t, err)

	assert.NotEmpty(t, fp)
	assert.NotEmpty(t, mk)
	// Same payload, different domains, different digests.
	assert.NotEqual(t, fp, mk)
}

func TestFingerprint_SensitiveToContent(t *testing.T) {
	a, err := Fingerprint(map[string]any{"a": 1})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
