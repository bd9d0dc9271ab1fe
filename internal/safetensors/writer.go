package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

type pendingTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// Writer accumulates tensors and serializes them in insertion order.
type Writer struct {
	Metadata map[string]string
	tensors  []pendingTensor
	names    map[string]bool
}

func NewWriter() *Writer {
	return &Writer{names: make(map[string]bool)}
}

func (w *Writer) add(name, dtype string, shape []int, n, size int, put func(buf []byte)) error {
	if w.names[name] || name == metadataKey {
		return fmt.Errorf("duplicate or reserved tensor name %q", name)
	}
	want := 1
	for _, d := range shape {
		want *= d
	}
	if want != n {
		return fmt.Errorf("tensor %s: shape %v holds %d elements, got %d", name, shape, want, n)
	}
	buf := make([]byte, n*size)
	put(buf)
	w.names[name] = true
	w.tensors = append(w.tensors, pendingTensor{name: name, dtype: dtype, shape: append([]int(nil), shape...), data: buf})
	return nil
}

func (w *Writer) AddF32(name string, shape []int, vals []float32) error {
	return w.add(name, "F32", shape, len(vals), 4, func(buf []byte) {
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	})
}

func (w *Writer) AddF16(name string, shape []int, vals []float16.Float16) error {
	return w.add(name, "F16", shape, len(vals), 2, func(buf []byte) {
		for i, v := range vals {
			binary.LittleEndian.PutUint16(buf[i*2:], v.Bits())
		}
	})
}

func (w *Writer) AddBF16(name string, shape []int, vals []bfloat16.BFloat16) error {
	return w.add(name, "BF16", shape, len(vals), 2, func(buf []byte) {
		for i, v := range vals {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
		}
	})
}

func (w *Writer) AddI32(name string, shape []int, vals []int32) error {
	return w.add(name, "I32", shape, len(vals), 4, func(buf []byte) {
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
		}
	})
}

// WriteTo writes the header (padded with spaces to 8 bytes) and the payloads.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	header := make(map[string]any, len(w.tensors)+1)
	if len(w.Metadata) > 0 {
		header[metadataKey] = w.Metadata
	}
	var offset int64
	for _, t := range w.tensors {
		end := offset + int64(len(t.data))
		header[t.name] = tensorHeader{DType: t.dtype, Shape: t.shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	if pad := (8 - len(hdr)%8) % 8; pad > 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, pad)...)
	}

	var n int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr} {
		m, err := out.Write(chunk)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	for _, t := range w.tensors {
		m, err := out.Write(t.data)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
