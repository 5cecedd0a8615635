package channel

import (
	"encoding/json"
	"testing"

	"pvgateway/pkg/pva"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valueField(t pva.TypeCode) pva.Introspection {
	return pva.Introspection{Fields: map[string]pva.TypeCode{"value": t}}
}

func TestBuildDescriptor(t *testing.T) {
	const source = "sim://TEST:CALC00000"

	tests := []struct {
		name        string
		in          pva.Introspection
		sample      any
		expected    Descriptor
		expectError bool
	}{
		{
			name:     "Double is a number",
			in:       valueField(pva.TypeDouble),
			sample:   1.5,
			expected: Descriptor{Source: source, Dtype: DtypeNumber, Shape: []int{}},
		},
		{
			name:     "Float is a number",
			in:       valueField(pva.TypeFloat),
			sample:   float32(1.5),
			expected: Descriptor{Source: source, Dtype: DtypeNumber, Shape: []int{}},
		},
		{
			name:     "Short is an integer",
			in:       valueField(pva.TypeShort),
			sample:   int16(3),
			expected: Descriptor{Source: source, Dtype: DtypeInteger, Shape: []int{}},
		},
		{
			name:     "Long is an integer",
			in:       valueField(pva.TypeLong),
			sample:   int64(3),
			expected: Descriptor{Source: source, Dtype: DtypeInteger, Shape: []int{}},
		},
		{
			name:     "String",
			in:       valueField(pva.TypeString),
			sample:   "abc",
			expected: Descriptor{Source: source, Dtype: DtypeString, Shape: []int{}},
		},
		{
			name:     "Scalar array falls back to sample length",
			in:       valueField(pva.TypeScalarArray),
			sample:   []float64{1, 2, 3, 4},
			expected: Descriptor{Source: source, Dtype: DtypeArray, Shape: []int{4}},
		},
		{
			name:     "Missing value field with sequence sample",
			in:       pva.Introspection{},
			sample:   []any{"a", "b"},
			expected: Descriptor{Source: source, Dtype: DtypeArray, Shape: []int{2}},
		},
		{
			name:     "Empty array",
			in:       valueField(pva.TypeScalarArray),
			sample:   []int32{},
			expected: Descriptor{Source: source, Dtype: DtypeArray, Shape: []int{0}},
		},
		{
			name:     "Fixed size array",
			in:       valueField(pva.TypeScalarArray),
			sample:   [3]byte{1, 2, 3},
			expected: Descriptor{Source: source, Dtype: DtypeArray, Shape: []int{3}},
		},
		{
			name:        "Scalar outside the table",
			in:          valueField(pva.TypeInt),
			sample:      int32(3),
			expectError: true,
		},
		{
			name:        "Enumeration structure",
			in:          valueField(pva.TypeStructure),
			sample:      1,
			expectError: true,
		},
		{
			name:        "Missing value field with nil sample",
			in:          pva.Introspection{},
			sample:      nil,
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			desc, err := BuildDescriptor(source, tc.in, pva.Response{Value: tc.sample})
			if tc.expectError {
				assert.ErrorIs(t, err, ErrMalformedMetadata)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.expected, desc); diff != "" {
				t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDescriptorJSON(t *testing.T) {
	raw, err := json.Marshal(Descriptor{Source: "sim://X", Dtype: DtypeNumber, Shape: []int{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"sim://X","dtype":"number","shape":[]}`, string(raw))
}
