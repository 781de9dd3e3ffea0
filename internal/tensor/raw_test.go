package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRaw_InvalidShape(t *testing.T) {
	_, err := NewRaw(Shape{2, 0}, Float32)
	require.Error(t, err)
}

func TestRawTensor_AsFloat32ZeroCopy(t *testing.T) {
	raw := Zeros(Shape{2, 3})
	data := raw.AsFloat32()
	require.Len(t, data, 6)

	data[4] = 1.5
	assert.Equal(t, float32(1.5), raw.AsFloat32()[4])
	assert.Equal(t, 24, raw.ByteSize())
}

func TestRawTensor_AsFloat32WrongDType(t *testing.T) {
	raw, err := NewRaw(Shape{2}, Int64)
	require.NoError(t, err)
	assert.Panics(t, func() { raw.AsFloat32() })
}

func TestRawTensor_CloneIsDeep(t *testing.T) {
	raw, err := FromFloat32([]float32{1, 2, 3, 4}, Shape{2, 2})
	require.NoError(t, err)

	clone := raw.Clone()
	require.True(t, clone.Equal(raw))

	raw.AsFloat32()[0] = 42
	assert.Equal(t, float32(1), clone.AsFloat32()[0])
	assert.False(t, clone.Equal(raw))
}

func TestRawTensor_CopyFrom(t *testing.T) {
	dst := Zeros(Shape{2, 2})
	src := Full(Shape{2, 2}, 3)
	require.NoError(t, dst.CopyFrom(src))
	assert.Equal(t, []float32{3, 3, 3, 3}, dst.AsFloat32())

	err := dst.CopyFrom(Zeros(Shape{4}))
	assert.ErrorContains(t, err, "shape mismatch")

	other, _ := NewRaw(Shape{2, 2}, Float64)
	err = dst.CopyFrom(other)
	assert.ErrorContains(t, err, "dtype mismatch")
}

func TestFromFloat32_LengthMismatch(t *testing.T) {
	_, err := FromFloat32([]float32{1, 2, 3}, Shape{2, 2})
	assert.Error(t, err)
}

func TestFromBytes(t *testing.T) {
	src := Full(Shape{3}, 2)
	raw, err := FromBytes(Shape{3}, Float32, src.Data())
	require.NoError(t, err)
	assert.True(t, raw.Equal(src))

	_, err = FromBytes(Shape{4}, Float32, src.Data())
	assert.Error(t, err)
}

func TestScalar(t *testing.T) {
	s := Scalar(7)
	assert.Equal(t, 0, len(s.Shape()))
	assert.Equal(t, 1, s.NumElements())
	assert.Equal(t, int64(7), s.AsInt64()[0])
}

func TestUniform_BoundedAndReproducible(t *testing.T) {
	a := Uniform(Shape{10, 10}, 0.5, rand.New(rand.NewSource(1)))
	b := Uniform(Shape{10, 10}, 0.5, rand.New(rand.NewSource(1)))
	assert.True(t, a.Equal(b))
	for _, v := range a.AsFloat32() {
		assert.LessOrEqual(t, v, float32(0.5))
		assert.GreaterOrEqual(t, v, float32(-0.5))
	}
}

func TestShape(t *testing.T) {
	tests := []struct {
		shape Shape
		n     int
		str   string
	}{
		{Shape{}, 1, "()"},
		{Shape{5}, 5, "(5)"},
		{Shape{784, 512}, 401408, "(784, 512)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.n, tt.shape.NumElements())
		assert.Equal(t, tt.str, tt.shape.String())
	}
	assert.True(t, Shape{1, 2}.Equal(Shape{1, 2}))
	assert.False(t, Shape{1, 2}.Equal(Shape{2, 1}))
}

func TestParseDataType(t *testing.T) {
	for _, dt := range []DataType{Float32, Float64, Int32, Int64, Uint8, Bool} {
		got, err := ParseDataType(dt.String())
		require.NoError(t, err)
		assert.Equal(t, dt, got)
	}
	_, err := ParseDataType("bfloat16")
	assert.Error(t, err)
}
