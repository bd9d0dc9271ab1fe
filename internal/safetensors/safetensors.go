// Package safetensors reads and writes the safetensors container used to move
// partial and final attention tensors in and out of the combine tools.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

var (
	ErrCorruptFile    = errors.New("corrupt safetensors file")
	ErrTensorNotFound = errors.New("tensor not found")
	ErrDType          = errors.New("unsupported tensor dtype")
)

const metadataKey = "__metadata__"

// maxHeaderLen guards against absurd header lengths in damaged files.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Len is the element count of the tensor.
func (t TensorInfo) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	raw     []byte // whole file, mapped or read
	payload []byte // raw after the header
	mmapped bool
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header. If mmap is unavailable the
// file is read into memory instead. Close releases the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: %w: size %d", path, ErrCorruptFile, size)
	}

	raw, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		raw = make([]byte, size)
		if _, err := io.ReadFull(f, raw); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	file, err := Parse(raw)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(raw)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.Path = path
	file.mmapped = mmapped
	return file, nil
}

// Parse decodes an in-memory safetensors image. The File aliases raw.
func Parse(raw []byte) (*File, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFile, len(raw))
	}
	headerLen := binary.LittleEndian.Uint64(raw)
	if headerLen > maxHeaderLen || headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	header := raw[8 : 8+headerLen]
	payload := raw[8+headerLen:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	f := &File{Tensors: make(map[string]TensorInfo, len(entries)), raw: raw, payload: payload}
	if meta, ok := entries[metadataKey]; ok {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		delete(entries, metadataKey)
	}
	for name, msg := range entries {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if err := checkInfo(info, int64(len(payload))); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		f.Tensors[name] = info
	}
	return f, nil
}

func checkInfo(t TensorInfo, payload int64) error {
	if t.Start < 0 || t.End < t.Start || t.End > payload {
		return fmt.Errorf("%w: offsets [%d, %d) outside %d-byte payload", ErrCorruptFile, t.Start, t.End, payload)
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dim %d", ErrCorruptFile, d)
		}
	}
	size, ok := dtypeSize(t.DType)
	if !ok {
		// Unknown dtypes are tolerated until someone reads them.
		return nil
	}
	if int64(t.Len())*int64(size) != t.End-t.Start {
		return fmt.Errorf("%w: %s%v needs %d bytes, has %d", ErrCorruptFile, t.DType, t.Shape, t.Len()*size, t.End-t.Start)
	}
	return nil
}

func dtypeSize(dtype string) (int, bool) {
	switch dtype {
	case "F32", "I32":
		return 4, true
	case "F16", "BF16":
		return 2, true
	case "I64":
		return 8, true
	default:
		return 0, false
	}
}

func (f *File) Close() error {
	if !f.mmapped {
		return nil
	}
	f.mmapped = false
	return unix.Munmap(f.raw)
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Bytes returns the raw payload of a tensor. It aliases the file and is only
// valid until Close.
func (f *File) Bytes(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.payload[t.Start:t.End], t, nil
}

// ReadF32 decodes an F32, F16 or BF16 tensor into a new float32 slice.
func (f *File) ReadF32(name string) ([]float32, TensorInfo, error) {
	raw, t, err := f.Bytes(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out := make([]float32, t.Len())
	switch t.DType {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		for i := range out {
			out[i] = bfloat16.BFloat16(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	default:
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want a float dtype", ErrDType, name, t.DType)
	}
	return out, t, nil
}

// ReadI32 decodes an I32 or I64 tensor into int32 values.
func (f *File) ReadI32(name string) ([]int32, TensorInfo, error) {
	raw, t, err := f.Bytes(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out := make([]int32, t.Len())
	switch t.DType {
	case "I32":
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "I64":
		for i := range out {
			v := int64(binary.LittleEndian.Uint64(raw[i*8:]))
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, TensorInfo{}, fmt.Errorf("%w: %s[%d]=%d overflows int32", ErrDType, name, i, v)
			}
			out[i] = int32(v)
		}
	default:
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want I32 or I64", ErrDType, name, t.DType)
	}
	return out, t, nil
}
