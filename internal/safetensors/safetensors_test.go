package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// image builds a raw file from a literal header and payload.
func image(header string, payload []byte) []byte {
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	buf.Write(lenBuf[:])
	buf.WriteString(header)
	buf.Write(payload)
	return buf.Bytes()
}

func sampleWriter(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter()
	w.Metadata = map[string]string{"format": "pt"}
	inf := float32(math.Inf(-1))
	require.NoError(t, w.AddF32("lse", []int{2, 2}, []float32{1, 2, inf, -0.25}))
	require.NoError(t, w.AddF16("half", []int{3}, []float16.Float16{
		float16.Fromfloat32(1.5), float16.Fromfloat32(-2), float16.Fromfloat32(0),
	}))
	require.NoError(t, w.AddBF16("brain", []int{1, 2}, []bfloat16.BFloat16{
		bfloat16.FromFloat32(0.5), bfloat16.FromFloat32(-4),
	}))
	require.NoError(t, w.AddI32("cu_seqlens", []int{3}, []int32{0, 3, 7}))
	return w
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	n, err := sampleWriter(t).WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	headerLen := binary.LittleEndian.Uint64(buf.Bytes())
	assert.Zero(t, headerLen%8, "header must be 8-byte aligned")

	f, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"format": "pt"}, f.Metadata)
	assert.Equal(t, []string{"brain", "cu_seqlens", "half", "lse"}, f.Names())

	lse, info, err := f.ReadF32("lse")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, info.Shape)
	assert.Equal(t, float32(1), lse[0])
	assert.Equal(t, float32(2), lse[1])
	assert.True(t, math.IsInf(float64(lse[2]), -1))
	assert.Equal(t, float32(-0.25), lse[3])

	half, _, err := f.ReadF32("half")
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2, 0}, half)

	brain, info, err := f.ReadF32("brain")
	require.NoError(t, err)
	assert.Equal(t, "BF16", info.DType)
	assert.Equal(t, []float32{0.5, -4}, brain)

	cu, _, err := f.ReadI32("cu_seqlens")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 7}, cu)
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sample.safetensors")
	require.NoError(t, sampleWriter(t).WriteFile(path))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path)

	info, ok := f.Tensor("cu_seqlens")
	require.True(t, ok)
	assert.Equal(t, "I32", info.DType)
	assert.Equal(t, 3, info.Len())

	raw, _, err := f.Bytes("cu_seqlens")
	require.NoError(t, err)
	assert.Len(t, raw, 12)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "second close is a no-op")
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.safetensors"))
	require.Error(t, err)

	tiny := filepath.Join(dir, "tiny.safetensors")
	require.NoError(t, os.WriteFile(tiny, []byte{1, 2, 3}, 0o644))
	_, err = Open(tiny)
	require.ErrorIs(t, err, ErrCorruptFile)

	bad := filepath.Join(dir, "bad.safetensors")
	require.NoError(t, os.WriteFile(bad, image("{not json", nil), 0o644))
	_, err = Open(bad)
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestParseRejectsCorruptHeaders(t *testing.T) {
	t.Parallel()
	overlong := make([]byte, 8)
	binary.LittleEndian.PutUint64(overlong, 1000)

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "short", raw: []byte{0, 0}},
		{name: "header past end", raw: overlong},
		{name: "bad json", raw: image(`{"a":`, nil)},
		{name: "offsets past payload", raw: image(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4))},
		{name: "reversed offsets", raw: image(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, make([]byte, 4))},
		{name: "size mismatch", raw: image(`{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{name: "negative dim", raw: image(`{"a":{"dtype":"F32","shape":[-1],"data_offsets":[0,0]}}`, nil)},
		{name: "bad metadata", raw: image(`{"__metadata__":[1,2]}`, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.raw)
			require.ErrorIs(t, err, ErrCorruptFile)
		})
	}
}

func TestReadDTypeErrors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	_, err := sampleWriter(t).WriteTo(&buf)
	require.NoError(t, err)
	f, err := Parse(buf.Bytes())
	require.NoError(t, err)

	_, _, err = f.ReadF32("cu_seqlens")
	require.ErrorIs(t, err, ErrDType)
	_, _, err = f.ReadI32("lse")
	require.ErrorIs(t, err, ErrDType)
	_, _, err = f.ReadF32("nope")
	require.ErrorIs(t, err, ErrTensorNotFound)
	_, _, err = f.ReadI32("nope")
	require.ErrorIs(t, err, ErrTensorNotFound)
}

func TestReadI32FromI64(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:], 0)
	binary.LittleEndian.PutUint64(payload[8:], 5)
	binary.LittleEndian.PutUint64(payload[16:], uint64(math.MaxInt32)+1)
	f, err := Parse(image(
		`{"ok":{"dtype":"I64","shape":[2],"data_offsets":[0,16]},"big":{"dtype":"I64","shape":[1],"data_offsets":[16,24]}}`,
		payload))
	require.NoError(t, err)

	got, _, err := f.ReadI32("ok")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 5}, got)

	_, _, err = f.ReadI32("big")
	require.ErrorIs(t, err, ErrDType)
}

func TestUnknownDTypeToleratedUntilRead(t *testing.T) {
	t.Parallel()
	f, err := Parse(image(`{"q":{"dtype":"F8_E4M3","shape":[4],"data_offsets":[0,4]}}`, make([]byte, 4)))
	require.NoError(t, err)
	_, _, err = f.ReadF32("q")
	require.ErrorIs(t, err, ErrDType)
}

func TestWriterRejectsBadInput(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	require.NoError(t, w.AddF32("a", []int{2}, []float32{1, 2}))
	require.Error(t, w.AddF32("a", []int{2}, []float32{1, 2}), "duplicate name")
	require.Error(t, w.AddF32(metadataKey, []int{1}, []float32{1}), "reserved name")
	require.Error(t, w.AddI32("b", []int{2, 2}, []int32{1, 2, 3}), "shape mismatch")
}
